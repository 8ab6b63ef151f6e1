// Package agent wires the consensus engine to the UDP transport, the
// STUN prober and the on-disk session snapshot, and runs the event loop
// for one ring participant.
package agent

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zfogg/ascii-chat-sub003/internal/config"
	"github.com/zfogg/ascii-chat-sub003/internal/consensus"
	"github.com/zfogg/ascii-chat-sub003/internal/metrics"
	"github.com/zfogg/ascii-chat-sub003/internal/model"
	"github.com/zfogg/ascii-chat-sub003/internal/packet"
	"github.com/zfogg/ascii-chat-sub003/internal/store"
	"github.com/zfogg/ascii-chat-sub003/internal/stunprobe"
	"github.com/zfogg/ascii-chat-sub003/internal/transport"
)

const measureTimeout = 10 * time.Second

// Participants assembles the ring membership from the config: the local
// participant plus every configured peer, in the canonical ring order.
// Every process with the same membership derives the same order.
func Participants(cfg config.Config) (model.ParticipantID, []model.ParticipantID, map[model.ParticipantID]string, error) {
	self, err := model.ParseParticipantID(cfg.ParticipantID)
	if err != nil {
		return model.ParticipantID{}, nil, nil, fmt.Errorf("participant_id: %w", err)
	}

	ids := []model.ParticipantID{self}
	addrs := make(map[model.ParticipantID]string, len(cfg.Peers))
	for i, p := range cfg.Peers {
		id, err := model.ParseParticipantID(p.ID)
		if err != nil {
			return model.ParticipantID{}, nil, nil, fmt.Errorf("peers[%d].id: %w", i, err)
		}
		if _, dup := addrs[id]; dup || id == self {
			return model.ParticipantID{}, nil, nil, fmt.Errorf("peers[%d]: duplicate participant %s", i, id)
		}
		ids = append(ids, id)
		addrs[id] = p.Addr
	}

	sort.Slice(ids, func(i, j int) bool {
		return model.CompareIDs(ids[i], ids[j]) < 0
	})
	return self, ids, addrs, nil
}

// Run starts the long-running participant loop. It returns when ctx is
// cancelled or the transport fails.
func Run(ctx context.Context, cfg config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	self, ids, addrs, err := Participants(cfg)
	if err != nil {
		return err
	}

	tr, err := transport.Listen(cfg.Listen, addrs)
	if err != nil {
		return err
	}
	defer tr.Close()
	log.Printf("listening on %s participants=%d leader=%v", tr.LocalAddr(), len(ids), cfg.Leader)

	prober := stunprobe.New(self, cfg.STUNServers, cfg.UploadKbps, tr.LocalAddr())

	if snap, err := store.LoadSnapshot(cfg.SnapshotPath); err != nil {
		log.Printf("snapshot load failed: %v", err)
	} else if !snap.Empty() {
		log.Printf("previous session host %s at %s:%d", snap.Host.ID, snap.Host.Addr, snap.Host.Port)
	}

	// The OnElection closure reads the engine's collected records, so the
	// variable is declared before the engine is constructed.
	var eng *consensus.Engine
	eng, err = consensus.New(self, cfg.Leader, ids, consensus.Callbacks{
		SendPacket: tr.Send,
		GetMetrics: func(model.ParticipantID) (model.ParticipantMetrics, error) {
			mctx, cancel := context.WithTimeout(ctx, measureTimeout)
			defer cancel()
			return prober.Measure(mctx)
		},
		OnElection: func(res model.ElectionResult) error {
			sum := metrics.Summarize(eng.CollectedMetrics())
			log.Printf("elected host=%s addr=%s:%d backup=%s records=%d avg_rtt=%s avg_upload=%dkbps",
				res.Host.ID, res.Host.Addr, res.Host.Port, res.Backup.ID, sum.Count, sum.AvgRTT, sum.AvgUpload)
			prober.SetHostAddr(net.JoinHostPort(res.Host.Addr, strconv.Itoa(int(res.Host.Port))))
			if err := store.SaveSnapshot(cfg.SnapshotPath, store.FromResult(res, sum)); err != nil {
				log.Printf("snapshot save failed: %v", err)
			}
			return nil
		},
	}, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	tick := time.Duration(cfg.TickIntervalMs) * time.Millisecond
	if tick <= 0 {
		tick = time.Duration(config.DefaultTickIntervalMs) * time.Millisecond
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tr.Serve(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := eng.Process(tick); err != nil {
					log.Printf("process: %v", err)
				}
			case in, ok := <-tr.Frames():
				if !ok {
					return nil
				}
				if err := dispatch(eng, in.Frame); err != nil {
					log.Printf("frame %s from %s: %v", in.Frame.Kind, in.Frame.Sender, err)
				}
			}
		}
	})
	return g.Wait()
}

// dispatch routes one decoded frame to the matching engine handler.
func dispatch(eng *consensus.Engine, f packet.Frame) error {
	switch f.Kind {
	case packet.KindCollectionStart:
		return eng.HandleCollectionStart(f.Start.RoundID, time.Unix(0, f.Start.DeadlineUnixNs))
	case packet.KindStatsUpdate:
		records := make([]model.ParticipantMetrics, len(f.Stats.Metrics))
		for i, m := range f.Stats.Metrics {
			records[i] = m.ToModel()
		}
		return eng.HandleStatsUpdate(f.Sender, f.Stats.RoundID, records)
	case packet.KindElectionResult:
		return eng.HandleElectionResult(model.ElectionResult{
			Host:   model.HostEndpoint{ID: f.Result.Host.ID, Addr: f.Result.Host.Addr, Port: f.Result.Host.Port},
			Backup: model.HostEndpoint{ID: f.Result.Backup.ID, Addr: f.Result.Backup.Addr, Port: f.Result.Backup.Port},
		})
	default:
		return fmt.Errorf("unhandled kind %d", int(f.Kind))
	}
}
