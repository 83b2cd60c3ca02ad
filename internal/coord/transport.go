package coord

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// peerConn wraps a websocket connection with a write mutex. gorilla/websocket
// connections do not support concurrent writers, so every write is serialized
// per connection.
type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex // guards writes
}

// Transport manages WebSocket connections to coordination peers. Each
// inbound and outbound connection runs a read-loop goroutine that
// deserializes envelopes and dispatches them to a registered handler.
type Transport struct {
	mu       sync.RWMutex
	identity Identity
	conns    map[string]*peerConn // peer id -> connection
	handler  func(*Envelope, string)
	listener net.Listener
	server   *http.Server
}

// upgrader allows any origin: peers talk to peers, there is no browser
// same-origin policy to enforce.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewTransport creates a transport for the given local identity.
func NewTransport(id Identity) *Transport {
	return &Transport{
		identity: id,
		conns:    make(map[string]*peerConn),
	}
}

// Listen starts a WebSocket server on the given port (0 picks a random free
// port). Inbound connections on /ws are upgraded and registered once the
// remote peer identifies itself with its first envelope.
func (t *Transport) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleWS)

	t.server = &http.Server{Handler: mux}
	go t.server.Serve(ln) //nolint:errcheck
	return nil
}

// handleWS upgrades an inbound HTTP connection and starts a read loop. The
// remote peer id is learned from the first envelope received.
func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20) // 1 MB

	pc := &peerConn{conn: conn}
	go t.readLoop(pc, "", true)
}

// Connect dials a remote peer and sends a hello envelope so the remote side
// can register this connection under our peer id. The remote's id is learned
// from its hello reply (or any later envelope); until then the connection is
// keyed by address.
func (t *Transport) Connect(address string) error {
	url := fmt.Sprintf("ws://%s/ws", address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	conn.SetReadLimit(1 << 20)

	pc := &peerConn{conn: conn}

	hello := t.identity.NewEnvelope(TopicHello, []byte(`{}`))
	pc.wmu.Lock()
	writeErr := conn.WriteJSON(hello)
	pc.wmu.Unlock()
	if writeErr != nil {
		conn.Close()
		return fmt.Errorf("write hello: %w", writeErr)
	}

	// The remote identifies itself with its first envelope.
	go t.readLoop(pc, "", false)
	return nil
}

// readLoop reads envelopes from a connection until it errors or closes. The
// first envelope identifies the remote peer and registers the connection.
func (t *Transport) readLoop(pc *peerConn, peerID string, inbound bool) {
	identified := peerID != ""
	defer func() {
		pc.conn.Close()
		if identified {
			t.mu.Lock()
			// Only remove if the stored conn is this object; a replacement
			// connection must not be dropped by a stale loop.
			if existing, ok := t.conns[peerID]; ok && existing == pc {
				delete(t.conns, peerID)
			}
			t.mu.Unlock()
		}
	}()

	for {
		var env Envelope
		if err := pc.conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Sender.PeerID == "" {
			continue
		}

		if !identified {
			peerID = env.Sender.PeerID
			t.mu.Lock()
			t.conns[peerID] = pc
			t.mu.Unlock()
			identified = true

			// Answer an inbound hello with our own, so the dialer learns
			// our peer id too.
			if inbound && env.Topic == TopicHello {
				reply := t.identity.NewEnvelope(TopicHello, []byte(`{}`))
				pc.wmu.Lock()
				pc.conn.WriteJSON(reply) //nolint:errcheck
				pc.wmu.Unlock()
			}
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(&env, peerID)
		}
	}
}

// OnEnvelope registers the callback invoked for every incoming envelope with
// the sender's connection peer id.
func (t *Transport) OnEnvelope(handler func(*Envelope, string)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Send writes an envelope to one connected peer.
func (t *Transport) Send(peerID string, env *Envelope) error {
	t.mu.RLock()
	pc, ok := t.conns[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("not connected to peer %.8s", peerID)
	}

	pc.wmu.Lock()
	err := pc.conn.WriteJSON(env)
	pc.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("write to %.8s: %w", peerID, err)
	}
	return nil
}

// Broadcast writes an envelope to every connected peer except the excluded
// one (pass "" to send to all). The first error is returned, but delivery to
// the remaining peers is still attempted.
func (t *Transport) Broadcast(env *Envelope, exclude string) error {
	t.mu.RLock()
	targets := make([]string, 0, len(t.conns))
	for id := range t.conns {
		if id != exclude {
			targets = append(targets, id)
		}
	}
	t.mu.RUnlock()

	var firstErr error
	for _, id := range targets {
		if err := t.Send(id, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ConnectedPeers returns the ids of all currently connected peers.
func (t *Transport) ConnectedPeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.conns))
	for id := range t.conns {
		out = append(out, id)
	}
	return out
}

// Addr returns the listener's network address, e.g. "127.0.0.1:12345".
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Close shuts down the listener and closes all peer connections.
func (t *Transport) Close() {
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		t.server.Shutdown(ctx) //nolint:errcheck
	}

	t.mu.Lock()
	for id, pc := range t.conns {
		pc.conn.Close()
		delete(t.conns, id)
	}
	t.mu.Unlock()
}
