package mesh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kudzu-systems/kudzu/internal/hologram"
	"github.com/kudzu-systems/kudzu/internal/protocol"
	"github.com/kudzu-systems/kudzu/internal/store"
)

var (
	// ErrJoinFailed means a node could not attach itself to an existing
	// mesh. It is distinct from storage errors so callers can tell a bad
	// address from a bad disk.
	ErrJoinFailed = errors.New("mesh join failed")
	// ErrConnectionFailed means an established peer stopped answering.
	ErrConnectionFailed = errors.New("peer connection failed")
)

// Node is the per-process mesh context: identity, transport, the hologram
// registry, and the storage engine. Everything hangs off the Node; there are
// no package-level singletons.
type Node struct {
	id        string
	engine    *store.Engine
	registry  *hologram.Registry
	coord     *Coordinator
	transport *Transport
	log       *zap.Logger

	mu    sync.Mutex // serializes topology changes
	peers map[string]string
}

// NodeStatus is a point-in-time summary of a node.
type NodeStatus struct {
	ID             string      `json:"id"`
	Address        string      `json:"address"`
	ConnectedNodes []string    `json:"connected_nodes"`
	Holograms      int         `json:"holograms"`
	Storage        store.Stats `json:"storage"`
}

// InitNode creates a mesh node over a storage engine: a fresh identity and
// signing key, an empty hologram registry, and a transport that is not yet
// listening. The node registers itself as a fragment host.
func InitNode(engine *store.Engine, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}

	n := &Node{
		id:     uuid.NewString(),
		engine: engine,
		log:    log,
		peers:  make(map[string]string),
	}
	n.registry = hologram.NewRegistry(engine, log)
	n.coord = NewCoordinator(n.registry, log)
	n.transport = NewTransport(n.id, priv, log)
	n.transport.OnMessage(n.handleMessage)

	if err := engine.AttachNode(n.id); err != nil {
		return nil, fmt.Errorf("attach self as fragment host: %w", err)
	}
	log.Info("node initialized", zap.String("node", n.id))
	return n, nil
}

// ID returns the node's mesh identity.
func (n *Node) ID() string { return n.id }

// Registry returns the node's hologram registry.
func (n *Node) Registry() *hologram.Registry { return n.registry }

// Coordinator returns the node's mesh coordinator.
func (n *Node) Coordinator() *Coordinator { return n.coord }

// Engine returns the node's storage engine.
func (n *Node) Engine() *store.Engine { return n.engine }

// Listen starts the node's transport listener.
func (n *Node) Listen(port int) error {
	return n.transport.Listen(port)
}

// Addr returns the transport listen address.
func (n *Node) Addr() string { return n.transport.Addr() }

// CreateMesh links this node with every node in the list, pairwise, and
// registers each as a replica and fragment host on every engine. All nodes
// must already be listening.
func CreateMesh(nodes []*Node) error {
	for _, a := range nodes {
		for _, b := range nodes {
			if a == b {
				continue
			}
			a.mu.Lock()
			_, known := a.peers[b.id]
			a.mu.Unlock()
			if !known {
				if err := a.transport.Connect(b.Addr(), b.id); err != nil {
					return fmt.Errorf("%w: %s -> %s: %v", ErrConnectionFailed, a.id, b.id, err)
				}
			}
			a.mu.Lock()
			a.peers[b.id] = b.Addr()
			a.mu.Unlock()
			if err := a.engine.AttachNode(b.id); err != nil {
				return err
			}
		}
	}
	return nil
}

// JoinMesh attaches this node to an existing mesh through one known address.
// The remote identity is learned from the ping reply; on success the remote
// node becomes a replica and fragment host here, which triggers a fragment
// rehash. Transport failures surface as ErrJoinFailed.
func (n *Node) JoinMesh(ctx context.Context, addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	placeholder := "pending-" + uuid.NewString()
	if err := n.transport.Connect(addr, placeholder); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrJoinFailed, addr, err)
	}

	msg, err := protocol.New(protocol.KindPing, protocol.Sender{}, protocol.PingPayload{Nonce: uuid.NewString()})
	if err != nil {
		return err
	}
	reply, err := n.transport.Request(ctx, placeholder, msg)
	if err != nil {
		n.transport.Disconnect(placeholder)
		return fmt.Errorf("%w: %s: %v", ErrJoinFailed, addr, err)
	}
	peerID := reply.Sender.NodeID
	if peerID == "" {
		n.transport.Disconnect(placeholder)
		return fmt.Errorf("%w: %s: peer did not identify itself", ErrJoinFailed, addr)
	}
	n.transport.ReregisterConn(placeholder, peerID)
	n.peers[peerID] = addr

	if err := n.engine.AttachNode(peerID); err != nil {
		return err
	}
	n.log.Info("joined mesh", zap.String("via", addr), zap.String("peer", peerID))
	return nil
}

// PingPeer checks liveness of a connected peer; the context bounds the wait.
func (n *Node) PingPeer(ctx context.Context, peerID string) error {
	if err := n.transport.Ping(ctx, peerID); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectionFailed, peerID, err)
	}
	return nil
}

// Status reports the node's identity, connections, hologram count, and
// storage tier occupancy.
func (n *Node) Status() (NodeStatus, error) {
	st, err := n.engine.Stats()
	if err != nil {
		return NodeStatus{}, err
	}
	connected := n.transport.ConnectedPeers()
	sort.Strings(connected)
	return NodeStatus{
		ID:             n.id,
		Address:        n.Addr(),
		ConnectedNodes: connected,
		Holograms:      n.registry.Count(),
		Storage:        st,
	}, nil
}

// Close stops the transport and every hosted hologram. The engine is owned
// by the caller and stays open.
func (n *Node) Close() {
	n.transport.Close()
	n.registry.Close()
}

// handleMessage serves inbound protocol traffic from peer nodes.
func (n *Node) handleMessage(msg *protocol.Message, peerID string) {
	switch msg.Kind {
	case protocol.KindPing:
		var ping protocol.PingPayload
		if err := msg.DecodePayload(&ping); err != nil {
			return
		}
		n.reply(peerID, msg, protocol.KindPong, protocol.PongPayload{Nonce: ping.Nonce})

	case protocol.KindQuery:
		var q protocol.QueryPayload
		if err := msg.DecodePayload(&q); err != nil {
			return
		}
		traces, err := n.engine.Query(q.Purpose, store.QueryOptions{Limit: q.MaxResults})
		if err != nil {
			n.log.Warn("remote query failed", zap.String("purpose", q.Purpose), zap.Error(err))
			traces = nil
		}
		remaining := q.HopBudget - 1
		if remaining < 0 {
			remaining = 0
		}
		n.reply(peerID, msg, protocol.KindQueryResponse, protocol.QueryResponsePayload{
			Traces:        traces,
			RemainingHops: remaining,
		})

	case protocol.KindTraceShare:
		var share protocol.TraceSharePayload
		if err := msg.DecodePayload(&share); err != nil {
			return
		}
		delivered, _ := n.coord.BroadcastTrace(share.Trace, share.Trace.Purpose)
		n.reply(peerID, msg, protocol.KindAck, protocol.AckPayload{
			AckedID:  share.Trace.ID,
			Received: delivered > 0,
		})

	case protocol.KindReconstructionRequest:
		var req protocol.ReconstructionRequestPayload
		if err := msg.DecodePayload(&req); err != nil {
			return
		}
		resp := protocol.ReconstructionResponsePayload{}
		if tr, err := n.engine.Retrieve(req.TraceID); err == nil {
			resp.Found = true
			resp.Trace = &tr
		} else if hint, err := n.engine.RestoreHint(req.TraceID); err == nil {
			resp.Hint = hint
		}
		n.reply(peerID, msg, protocol.KindReconstructionResponse, resp)
	}
}

func (n *Node) reply(peerID string, req *protocol.Message, kind protocol.Kind, payload any) {
	msg, err := protocol.Reply(req, kind, protocol.Sender{}, payload)
	if err != nil {
		return
	}
	if err := n.transport.Send(peerID, msg); err != nil {
		n.log.Warn("reply failed", zap.String("peer", peerID), zap.Error(err))
	}
}
