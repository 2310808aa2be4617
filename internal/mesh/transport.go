// Package mesh wires holograms into a network: random topology construction,
// purpose-scoped broadcast, hop-limited gossip queries, and websocket
// transport between the nodes that host hologram populations.
package mesh

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kudzu-systems/kudzu/internal/protocol"
)

// peerConn wraps a websocket connection with a write mutex. gorilla/websocket
// connections do not support concurrent writers, so every write is serialized
// per connection.
type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Transport delivers protocol messages between mesh nodes over websockets.
// Outbound messages are signed with the node's key; each connection runs a
// read-loop goroutine that decodes messages and routes them either to a
// pending request waiter (by correlation ID) or to the registered handler.
type Transport struct {
	self string
	priv ed25519.PrivateKey
	log  *zap.Logger

	mu       sync.RWMutex
	conns    map[string]*peerConn
	pending  map[string]chan *protocol.Message
	handler  func(*protocol.Message, string)
	listener net.Listener
	server   *http.Server
}

var upgrader = websocket.Upgrader{
	// Node-to-node mesh traffic; there is no browser origin to enforce.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewTransport creates a transport for the given local node identity.
func NewTransport(self string, priv ed25519.PrivateKey, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		self:    self,
		priv:    priv,
		log:     log,
		conns:   make(map[string]*peerConn),
		pending: make(map[string]chan *protocol.Message),
	}
}

// Listen starts the websocket server. Port 0 picks a random free port;
// Addr reports the bound address.
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

// handleWS upgrades an inbound connection. The remote node's identity is
// learned from the first message it sends.
func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	go t.readLoop(&peerConn{conn: conn}, "", true)
}

// Connect dials a remote node and registers the connection under peerID. A
// signed ping is sent first so the remote side can map the connection to this
// node's identity.
func (t *Transport) Connect(address, peerID string) error {
	url := fmt.Sprintf("ws://%s/ws", address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	conn.SetReadLimit(1 << 20)

	pc := &peerConn{conn: conn}
	t.mu.Lock()
	t.conns[peerID] = pc
	t.mu.Unlock()

	hello, err := protocol.New(protocol.KindPing, protocol.Sender{}, protocol.PingPayload{Nonce: uuid.NewString()})
	if err != nil {
		return err
	}
	if err := t.writeMsg(pc, hello); err != nil {
		conn.Close()
		t.mu.Lock()
		delete(t.conns, peerID)
		t.mu.Unlock()
		return fmt.Errorf("write hello: %w", err)
	}

	go t.readLoop(pc, peerID, false)
	return nil
}

// readLoop reads messages until the connection errors or closes. Inbound
// connections register themselves once the first message reveals the peer id.
func (t *Transport) readLoop(pc *peerConn, peerID string, inbound bool) {
	identified := !inbound
	defer func() {
		pc.conn.Close()
		if identified {
			t.mu.Lock()
			if existing, ok := t.conns[peerID]; ok && existing == pc {
				delete(t.conns, peerID)
			}
			t.mu.Unlock()
		}
	}()

	for {
		_, raw, err := pc.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			// Unknown kinds and malformed frames must not update any state.
			t.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		if !identified {
			peerID = msg.Sender.NodeID
			t.mu.Lock()
			t.conns[peerID] = pc
			t.mu.Unlock()
			identified = true
		}

		// A reply to an in-flight request goes to its waiter, not the handler.
		t.mu.Lock()
		waiter, waiting := t.pending[msg.CorrelationID]
		if waiting {
			delete(t.pending, msg.CorrelationID)
		}
		handler := t.handler
		t.mu.Unlock()

		if waiting {
			waiter <- msg
			continue
		}
		if handler != nil {
			handler(msg, peerID)
		}
	}
}

// writeMsg stamps sender/timestamp, signs, and writes one message.
func (t *Transport) writeMsg(pc *peerConn, msg *protocol.Message) error {
	msg.Sender.NodeID = t.self
	if t.listener != nil {
		msg.Sender.Address = t.listener.Addr().String()
	}
	msg.Timestamp = time.Now().Unix()
	if t.priv != nil {
		msg.Sign(t.priv)
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	return pc.conn.WriteMessage(websocket.TextMessage, raw)
}

// Send signs and delivers a message to a connected peer. Safe for concurrent
// use. Delivery is at-most-once; there is no retry.
func (t *Transport) Send(target string, msg *protocol.Message) error {
	t.mu.RLock()
	pc, ok := t.conns[target]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("not connected to node %s", target)
	}
	if err := t.writeMsg(pc, msg); err != nil {
		return fmt.Errorf("write to %s: %w", target, err)
	}
	return nil
}

// Request sends a message and waits for the reply carrying the same
// correlation ID. The context bounds the wait.
func (t *Transport) Request(ctx context.Context, target string, msg *protocol.Message) (*protocol.Message, error) {
	waiter := make(chan *protocol.Message, 1)
	t.mu.Lock()
	t.pending[msg.CorrelationID] = waiter
	t.mu.Unlock()

	cleanup := func() {
		t.mu.Lock()
		delete(t.pending, msg.CorrelationID)
		t.mu.Unlock()
	}

	if err := t.Send(target, msg); err != nil {
		cleanup()
		return nil, err
	}
	select {
	case reply := <-waiter:
		return reply, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Ping round-trips a nonce through a peer. The caller supplies the timeout
// via ctx; a failed or mismatched pong is an error.
func (t *Transport) Ping(ctx context.Context, target string) error {
	nonce := uuid.NewString()
	msg, err := protocol.New(protocol.KindPing, protocol.Sender{}, protocol.PingPayload{Nonce: nonce})
	if err != nil {
		return err
	}
	reply, err := t.Request(ctx, target, msg)
	if err != nil {
		return fmt.Errorf("ping %s: %w", target, err)
	}
	if reply.Kind != protocol.KindPong {
		return fmt.Errorf("ping %s: unexpected reply kind %s", target, reply.Kind)
	}
	var pong protocol.PongPayload
	if err := reply.DecodePayload(&pong); err != nil {
		return err
	}
	if pong.Nonce != nonce {
		return fmt.Errorf("ping %s: nonce mismatch", target)
	}
	return nil
}

// OnMessage registers the handler invoked for every message that is not a
// reply to an in-flight request.
func (t *Transport) OnMessage(handler func(*protocol.Message, string)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// ReregisterConn moves an existing connection to a new peer id. Used when a
// node dials an address before knowing the identity behind it.
func (t *Transport) ReregisterConn(oldID, newID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.conns[oldID]; ok {
		delete(t.conns, oldID)
		t.conns[newID] = pc
	}
}

// Disconnect closes and forgets the connection to a peer.
func (t *Transport) Disconnect(id string) {
	t.mu.Lock()
	pc, ok := t.conns[id]
	if ok {
		delete(t.conns, id)
	}
	t.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// ConnectedPeers returns the ids of all currently connected peers.
func (t *Transport) ConnectedPeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]string, 0, len(t.conns))
	for id := range t.conns {
		peers = append(peers, id)
	}
	return peers
}

// Addr returns the listener address, or "" before Listen.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Close shuts down the listener and every peer connection.
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
