package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/canopyhq/canopy/pkg/types"
)

// Transport is the duplex channel to the realtime backend. The backend is
// opaque to the sync engine: everything above this interface only sees JSON
// broadcast packets and a shared presence record.
type Transport interface {
	Connect(ctx context.Context) error
	// Broadcast sends one packet to every peer.
	Broadcast(packet *types.BroadcastPacket) error
	// Packets delivers inbound packets, including the client's own
	// re-broadcasts (the session filters them).
	Packets() <-chan *types.BroadcastPacket
	// SetPresence publishes this client's offset-corrected wallclock.
	SetPresence(clientID string, seconds float64) error
	// Presence returns the shared presence record.
	Presence() (map[string]float64, error)
	// PrunePresence removes peers older than the cutoff.
	PrunePresence(cutoff float64) error
	// TimeOffset is the server-to-local clock offset in seconds.
	TimeOffset() float64
	Close() error
}

// wsEnvelope frames transport messages.
type wsEnvelope struct {
	Type string `json:"type"`
	// Data carries a broadcast packet.
	Data *types.BroadcastPacket `json:"data,omitempty"`
	// Presence messages.
	ClientID string             `json:"client_id,omitempty"`
	Seconds  float64            `json:"seconds,omitempty"`
	Clients  map[string]float64 `json:"clients,omitempty"`
	Cutoff   float64            `json:"cutoff,omitempty"`
	// Time sync.
	OffsetSeconds float64 `json:"offset_seconds,omitempty"`
	// Server-side failures.
	Error string `json:"error,omitempty"`
}

// WebsocketTransport is the default Transport: a websocket client speaking
// JSON envelopes. It is safe for concurrent use by the inbound listener and
// the outbound broadcaster.
type WebsocketTransport struct {
	endpoint string

	mu      sync.Mutex
	conn    *websocket.Conn
	offset  float64
	clients map[string]float64
	packets chan *types.BroadcastPacket
}

func NewWebsocketTransport(endpoint string) *WebsocketTransport {
	return &WebsocketTransport{
		endpoint: endpoint,
		clients:  make(map[string]float64),
		packets:  make(chan *types.BroadcastPacket, 16),
	}
}

func (t *WebsocketTransport) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing realtime endpoint %s: %w", t.endpoint, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "broadcast":
			if env.Data != nil {
				select {
				case t.packets <- env.Data:
				default:
					// Listener is behind; the conflict primitive makes
					// redelivery safe, so dropping is acceptable.
				}
			}
		case "presence":
			t.mu.Lock()
			t.clients = env.Clients
			t.mu.Unlock()
		case "time":
			t.mu.Lock()
			t.offset = env.OffsetSeconds
			t.mu.Unlock()
		}
	}
}

func (t *WebsocketTransport) send(env wsEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("realtime transport not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if strings.Contains(err.Error(), ".indexOn") {
			return &types.RealtimeIndexDisabledError{Cause: err}
		}
		return err
	}
	return nil
}

func (t *WebsocketTransport) Broadcast(packet *types.BroadcastPacket) error {
	return t.send(wsEnvelope{Type: "broadcast", Data: packet})
}

func (t *WebsocketTransport) Packets() <-chan *types.BroadcastPacket { return t.packets }

func (t *WebsocketTransport) SetPresence(clientID string, seconds float64) error {
	return t.send(wsEnvelope{Type: "presence_set", ClientID: clientID, Seconds: seconds})
}

func (t *WebsocketTransport) Presence() (map[string]float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.clients))
	for id, seconds := range t.clients {
		out[id] = seconds
	}
	return out, nil
}

func (t *WebsocketTransport) PrunePresence(cutoff float64) error {
	return t.send(wsEnvelope{Type: "presence_prune", Cutoff: cutoff})
}

func (t *WebsocketTransport) TimeOffset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
