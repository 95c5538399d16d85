// Package broadcaster fans synthetic packets out to an owner's connected
// dashboard clients over WebSocket, and relays their toggle_attack control
// messages back to the simulator registry.
package broadcaster

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tracel/internal/config"
)

// ControlMessage is a client->server control frame.
type ControlMessage struct {
	Type string `json:"type"`
	Mode string `json:"mode,omitempty"` // for "toggle_attack": "normal" or "attack"
}

// ModeSetter applies a mode change for an owner, implemented by registry.Entry,
// which forwards it to the owner's Simulator.
type ModeSetter interface {
	SetMode(mode string)
}

// Subscriber is one connected dashboard client.
type Subscriber struct {
	ownerID string
	conn    *websocket.Conn
	send    chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Broadcaster holds per-owner subscriber sets and fans packets out to them.
type Broadcaster struct {
	backpressureLimit int

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

// New creates a Broadcaster.
func New(cfg config.BroadcastConfig) *Broadcaster {
	limit := cfg.BackpressureLimit
	if limit <= 0 {
		limit = 64
	}
	return &Broadcaster{
		backpressureLimit: limit,
		subs:              make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers conn as a subscriber for ownerID.
func (b *Broadcaster) Subscribe(ownerID string, conn *websocket.Conn) *Subscriber {
	sub := &Subscriber{
		ownerID: ownerID,
		conn:    conn,
		send:    make(chan []byte, b.backpressureLimit),
		closed:  make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.subs[ownerID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[ownerID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes sub from its owner's set.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	sub.close()

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.ownerID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.ownerID)
	}
}

// Publish fans payload out to every subscriber of ownerID. A subscriber
// whose send buffer is full has its oldest queued message dropped to make
// room, rather than blocking the publisher.
func (b *Broadcaster) Publish(ownerID string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[ownerID] {
		select {
		case sub.send <- payload:
		default:
			select {
			case <-sub.send:
			default:
			}
			select {
			case sub.send <- payload:
			default:
			}
		}
	}
}

// Count returns the number of connected subscribers for ownerID.
func (b *Broadcaster) Count(ownerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[ownerID])
}

// ServeWS upgrades r to a WebSocket, registers it as a subscriber for
// ownerID, and runs its read/write pumps until the connection closes.
// modeSetter may be nil (control messages are then ignored).
func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request, ownerID string, modeSetter ModeSetter) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("broadcaster: failed to accept websocket", "owner_id", ownerID, "error", err)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(4096)

	sub := b.Subscribe(ownerID, conn)
	defer b.Unsubscribe(sub)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sub.readPump(ctx, modeSetter)
	}()

	sub.writePump(ctx)
	<-done
}

func (s *Subscriber) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := s.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Subscriber) readPump(ctx context.Context, modeSetter ModeSetter) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.close()
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.Type == "toggle_attack" && modeSetter != nil {
			modeSetter.SetMode(msg.Mode)
		}
	}
}
