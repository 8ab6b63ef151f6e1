package stunprobe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/zfogg/ascii-chat-sub003/internal/model"
	"github.com/zfogg/ascii-chat-sub003/internal/packet"
)

const (
	probeTimeout = 3 * time.Second
	echoTimeout  = 2 * time.Second

	// MeasurementWindow is reported with every metrics sample.
	MeasurementWindow = 30 * time.Second
)

// Prober measures the local participant's network quality: public
// mapping and NAT shape via STUN, round-trip time via a UDP echo
// against the current session host.
type Prober struct {
	self       model.ParticipantID
	servers    []string
	uploadKbps uint32
	localAddr  string

	mu       sync.Mutex
	hostAddr string
}

func New(self model.ParticipantID, servers []string, uploadKbps uint32, localAddr string) *Prober {
	return &Prober{
		self:       self,
		servers:    append([]string(nil), servers...),
		uploadKbps: uploadKbps,
		localAddr:  localAddr,
	}
}

// SetHostAddr points RTT echo probes at the elected host. An empty
// address disables RTT measurement until the next election.
func (p *Prober) SetHostAddr(addr string) {
	p.mu.Lock()
	p.hostAddr = addr
	p.mu.Unlock()
}

// Measure collects a fresh metrics sample. STUN failures degrade the
// sample (relay tier, zero success) rather than failing the round.
func (p *Prober) Measure(ctx context.Context) (model.ParticipantMetrics, error) {
	mapped, successPct := p.probeAll(ctx)

	m := model.ParticipantMetrics{
		Participant:    p.self,
		UploadKbps:     p.uploadKbps,
		STUNSuccessPct: successPct,
		MeasuredAt:     time.Now(),
		Window:         MeasurementWindow,
	}

	m.Tier = TierFor(mapped, outboundIP(p.servers), successPct)
	m.Conn = ConnFor(m.Tier)

	if len(mapped) > 0 {
		addr, port, err := splitMapped(mapped[0])
		if err == nil {
			m.PublicAddr = addr
			m.PublicPort = port
		}
	}
	if m.PublicAddr == "" {
		// No mapping learned; fall back to the listen address so the
		// record still carries a reachable endpoint on LANs.
		addr, port, err := splitMapped(p.localAddr)
		if err == nil {
			m.PublicAddr = addr
			m.PublicPort = port
		}
	}

	p.mu.Lock()
	host := p.hostAddr
	p.mu.Unlock()
	if host != "" {
		if rtt, err := EchoRTT(ctx, host, echoTimeout); err == nil {
			m.RTT = rtt
		}
	}

	if err := m.Validate(); err != nil {
		return model.ParticipantMetrics{}, err
	}
	return m, nil
}

// probeAll queries every configured server and returns the mapped
// addresses that answered plus the success percentage.
func (p *Prober) probeAll(ctx context.Context) ([]string, int) {
	if len(p.servers) == 0 {
		return nil, 0
	}
	mapped := make([]string, 0, len(p.servers))
	for _, server := range p.servers {
		addr, err := probeServer(ctx, server, probeTimeout)
		if err != nil {
			continue
		}
		mapped = append(mapped, addr)
	}
	return mapped, SuccessPct(len(mapped), len(p.servers))
}

// SuccessPct converts answered/asked into a whole percentage.
func SuccessPct(ok, total int) int {
	if total <= 0 {
		return 0
	}
	return ok * 100 / total
}

// TierFor maps STUN observations onto a connectivity tier. localIP is
// the outbound interface address; a reflexive address on the same host
// means no NAT in the path. The listen address is no use here, it is
// usually a wildcard.
func TierFor(mapped []string, localIP string, successPct int) model.NATTier {
	if successPct == 0 || len(mapped) == 0 {
		return model.TierRelay
	}
	if host, _, err := net.SplitHostPort(mapped[0]); err == nil && localIP != "" && host == localIP {
		return model.TierLAN
	}
	// One answer cannot distinguish a stable mapping from a shifting one.
	if len(mapped) < 2 {
		return model.TierRestricted
	}
	first := mapped[0]
	for _, addr := range mapped[1:] {
		if addr != first {
			return model.TierSymmetric
		}
	}
	return model.TierCone
}

// ConnFor picks the connection strategy a peer at the given tier
// should expect.
func ConnFor(tier model.NATTier) model.ConnectionType {
	switch tier {
	case model.TierLAN:
		return model.ConnDirect
	case model.TierCone:
		return model.ConnSTUNAssisted
	case model.TierRestricted:
		return model.ConnSTUNAssisted
	case model.TierSymmetric:
		return model.ConnRelay
	default:
		return model.ConnRelay
	}
}

// EchoRTT sends one echo datagram to addr and waits for the reflection.
func EchoRTT(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	nonce := strconv.FormatInt(time.Now().UnixNano(), 36)
	msg := []byte(packet.EchoMagic + nonce)
	start := time.Now()
	if _, err := conn.Write(msg); err != nil {
		return 0, err
	}
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return 0, err
		}
		if string(buf[:n]) == string(msg) {
			return time.Since(start), nil
		}
	}
}

// outboundIP reports the source address the kernel picks toward the
// STUN servers. The dial sends nothing; it only resolves routing.
func outboundIP(servers []string) string {
	for _, server := range servers {
		addr := strings.TrimPrefix(strings.TrimSpace(server), "stun:")
		if addr == "" {
			continue
		}
		conn, err := net.Dial("udp", addr)
		if err != nil {
			continue
		}
		host, _, err := net.SplitHostPort(conn.LocalAddr().String())
		conn.Close()
		if err == nil {
			return host
		}
	}
	return ""
}

func splitMapped(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
