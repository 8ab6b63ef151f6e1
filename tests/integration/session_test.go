//go:build integration

package integration

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zfogg/ascii-chat-sub003/internal/config"
	"github.com/zfogg/ascii-chat-sub003/internal/model"
	"github.com/zfogg/ascii-chat-sub003/internal/store"
)

// This test builds ringd and runs a three-participant session on
// loopback, then waits for every snapshot to record the same host.
//
// It is gated behind -tags=integration and RINGD_INTEGRATION=1 so
// ordinary test runs stay hermetic.
func TestLoopbackSessionConverges(t *testing.T) {
	if os.Getenv("RINGD_INTEGRATION") != "1" {
		t.Skip("set RINGD_INTEGRATION=1 to run")
	}

	tmp := t.TempDir()
	bin := filepath.Join(tmp, "ringd")
	run(t, moduleRoot(t), "go", "build", "-o", bin, "./cmd/ringd")

	const n = 3
	ids := make([]model.ParticipantID, n)
	for i := range ids {
		ids[i] = model.NewParticipantID()
	}

	snapPaths := make([]string, n)
	cfgPaths := make([]string, n)
	for i := 0; i < n; i++ {
		peers := make([]config.Peer, 0, n-1)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			peers = append(peers, config.Peer{
				ID:   ids[j].String(),
				Addr: fmt.Sprintf("127.0.0.1:%d", 47910+j),
			})
		}
		snapPaths[i] = filepath.Join(tmp, fmt.Sprintf("session%d.yaml", i))
		cfgPaths[i] = filepath.Join(tmp, fmt.Sprintf("node%d.yaml", i))
		cfg := config.Config{
			ParticipantID: ids[i].String(),
			Name:          fmt.Sprintf("node%d", i),
			Listen:        fmt.Sprintf("127.0.0.1:%d", 47910+i),
			Leader:        i == 0,
			Peers:         peers,
			STUNServers:   []string{},
			// node 0 advertises the most upload so the winner is fixed
			UploadKbps:     uint32(10000 - i*1000),
			SnapshotPath:   snapPaths[i],
			TickIntervalMs: 100,
		}
		if err := config.Save(cfgPaths[i], cfg); err != nil {
			t.Fatalf("Save config %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		cmd := exec.Command(bin, "run", "--config", cfgPaths[i])
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Start(); err != nil {
			t.Fatalf("start node %d: %v", i, err)
		}
		i := i
		t.Cleanup(func() {
			_ = cmd.Process.Signal(os.Interrupt)
			_ = cmd.Wait()
			t.Logf("node %d output:\n%s", i, out.String())
		})
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("session did not converge")
		}
		time.Sleep(500 * time.Millisecond)

		hosts := make([]string, 0, n)
		for i := 0; i < n; i++ {
			snap, err := store.LoadSnapshot(snapPaths[i])
			if err != nil || snap.Empty() {
				break
			}
			hosts = append(hosts, snap.Host.ID)
		}
		if len(hosts) != n {
			continue
		}
		for i := 1; i < n; i++ {
			if hosts[i] != hosts[0] {
				t.Fatalf("split host election: %v", hosts)
			}
		}
		if hosts[0] != ids[0].String() {
			t.Fatalf("host=%s want=%s", hosts[0], ids[0])
		}
		return
	}
}

func moduleRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	return filepath.Dir(filepath.Dir(wd))
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %s: %v\n%s", name, strings.Join(args, " "), err, out)
	}
}
