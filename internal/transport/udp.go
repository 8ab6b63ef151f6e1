// Package transport carries consensus frames between participants over
// UDP. It implements the engine's SendPacket callback on the outbound side
// and demultiplexes inbound datagrams into decoded frames for the owner's
// event loop, so engine handlers are never invoked concurrently.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/zfogg/ascii-chat-sub003/internal/model"
	"github.com/zfogg/ascii-chat-sub003/internal/packet"
)

// ErrUnknownPeer is returned when sending to a participant with no known
// address.
var ErrUnknownPeer = errors.New("transport: unknown peer")

const readBufferSize = 64 * 1024

// Inbound is one decoded consensus frame plus its wire origin.
type Inbound struct {
	Frame packet.Frame
	From  *net.UDPAddr
}

// UDP is a datagram transport for one session. Delivery is best effort:
// the engine tolerates loss and retries its own failed steps.
type UDP struct {
	conn *net.UDPConn

	mu    sync.RWMutex
	peers map[model.ParticipantID]*net.UDPAddr

	frames chan Inbound
}

// Listen opens the session socket on addr (e.g. ":0") and resolves the
// peer address book.
func Listen(addr string, peers map[model.ParticipantID]string) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	t := &UDP{
		conn:   conn,
		peers:  make(map[model.ParticipantID]*net.UDPAddr, len(peers)),
		frames: make(chan Inbound, 64),
	}
	if err := t.SetPeers(peers); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// LocalAddr returns the bound socket address.
func (t *UDP) LocalAddr() string {
	if t == nil || t.conn == nil {
		return ""
	}
	return t.conn.LocalAddr().String()
}

// SetPeers replaces the participant address book, typically alongside an
// engine topology update.
func (t *UDP) SetPeers(peers map[model.ParticipantID]string) error {
	resolved := make(map[model.ParticipantID]*net.UDPAddr, len(peers))
	for id, addr := range peers {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("transport: resolve peer %s: %w", id, err)
		}
		resolved[id] = udpAddr
	}
	t.mu.Lock()
	t.peers = resolved
	t.mu.Unlock()
	return nil
}

// Send delivers one encoded packet to the named participant. Matches the
// engine's SendPacket callback signature.
func (t *UDP) Send(next model.ParticipantID, payload []byte) error {
	t.mu.RLock()
	addr, ok := t.peers[next]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, next)
	}
	if _, err := t.conn.WriteToUDP(payload, addr); err != nil {
		return fmt.Errorf("transport: send to %s: %w", next, err)
	}
	return nil
}

// Frames returns the inbound consensus frames. The channel is buffered;
// frames arriving while full are dropped like any other lost datagram.
func (t *UDP) Frames() <-chan Inbound {
	return t.frames
}

// Serve reads datagrams until ctx is cancelled or the socket closes. Echo
// probes are answered inline; consensus frames are decoded and queued;
// anything else is dropped.
func (t *UDP) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = t.conn.Close()
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		datagram := buf[:n]

		if bytes.HasPrefix(datagram, []byte(packet.EchoMagic)) {
			_, _ = t.conn.WriteToUDP(datagram, from)
			continue
		}
		if !packet.IsFrame(datagram) {
			continue
		}

		f, err := packet.Decode(datagram)
		if err != nil {
			log.Printf("transport: drop malformed frame from %s: %v", from, err)
			continue
		}
		select {
		case t.frames <- Inbound{Frame: f, From: from}:
		default:
			log.Printf("transport: inbound queue full, dropping %s from %s", f.Kind, from)
		}
	}
}

// Close releases the socket. Safe to call more than once.
func (t *UDP) Close() error {
	if t == nil || t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
