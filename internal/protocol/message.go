// Package protocol defines the closed set of messages holograms and mesh
// nodes exchange. Every message carries a kind tag, a correlation ID, and the
// sender's identity; payloads are strongly typed per kind. Decoding rejects
// unknown kinds outright so callers can detect protocol skew instead of
// silently dropping traffic.
package protocol

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kudzu-systems/kudzu/internal/trace"
)

// Kind identifies a protocol message shape.
type Kind string

const (
	KindPing                   Kind = "ping"
	KindPong                   Kind = "pong"
	KindQuery                  Kind = "query"
	KindQueryResponse          Kind = "query_response"
	KindTraceShare             Kind = "trace_share"
	KindAck                    Kind = "ack"
	KindReconstructionRequest  Kind = "reconstruction_request"
	KindReconstructionResponse Kind = "reconstruction_response"
)

// ErrUnknownKind is returned when decoding a message whose kind is not part
// of the protocol.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

var knownKinds = map[Kind]bool{
	KindPing:                   true,
	KindPong:                   true,
	KindQuery:                  true,
	KindQueryResponse:          true,
	KindTraceShare:             true,
	KindAck:                    true,
	KindReconstructionRequest:  true,
	KindReconstructionResponse: true,
}

// Sender identifies the message originator. HologramID is set for
// hologram-to-hologram traffic; NodeID and Address identify the hosting mesh
// node for cross-host delivery.
type Sender struct {
	HologramID string `json:"hologram_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	Address    string `json:"address,omitempty"`
}

// Message is the common envelope for all mesh messages.
type Message struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlation_id"`
	Sender        Sender          `json:"sender"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature,omitempty"`
}

// Payload types, one per kind.

// PingPayload carries liveness probes; the nonce is echoed back in the pong.
type PingPayload struct {
	Nonce string `json:"nonce"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Nonce string `json:"nonce"`
}

// QueryPayload asks a peer for traces matching a purpose.
type QueryPayload struct {
	Purpose    string `json:"purpose"`
	MaxResults int    `json:"max_results"`
	HopBudget  int    `json:"hop_budget"`
}

// QueryResponsePayload carries a bounded batch of matches plus the
// responder's remaining hop budget.
type QueryResponsePayload struct {
	Traces        []trace.Trace `json:"traces"`
	RemainingHops int           `json:"remaining_hops"`
}

// TraceSharePayload pushes a single trace to a peer.
type TraceSharePayload struct {
	Trace trace.Trace `json:"trace"`
}

// AckPayload confirms receipt of a trace_share. Delivery is at-most-once;
// the protocol layer never retries.
type AckPayload struct {
	AckedID  string `json:"acked_id"`
	Received bool   `json:"received"`
}

// ReconstructionRequestPayload fetches a specific trace by ID when only a
// reconstruction hint is known.
type ReconstructionRequestPayload struct {
	TraceID string `json:"trace_id"`
}

// ReconstructionResponsePayload answers a reconstruction request. When the
// trace itself is gone but its hint was archived, only Hint is set.
type ReconstructionResponsePayload struct {
	Found bool           `json:"found"`
	Trace *trace.Trace   `json:"trace,omitempty"`
	Hint  map[string]any `json:"hint,omitempty"`
}

// New builds a message of the given kind with a fresh correlation ID and the
// payload marshaled in.
func New(kind Kind, sender Sender, payload any) (*Message, error) {
	if !knownKinds[kind] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Message{
		Kind:          kind,
		CorrelationID: uuid.NewString(),
		Sender:        sender,
		Timestamp:     time.Now().Unix(),
		Payload:       data,
	}, nil
}

// Reply builds a response message reusing the request's correlation ID.
func Reply(req *Message, kind Kind, sender Sender, payload any) (*Message, error) {
	msg, err := New(kind, sender, payload)
	if err != nil {
		return nil, err
	}
	msg.CorrelationID = req.CorrelationID
	return msg, nil
}

// Encode serializes a message for the wire.
func Encode(m *Message) ([]byte, error) {
	if !knownKinds[m.Kind] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses raw bytes into a message. Malformed bytes and unknown kinds
// are both errors — the receiver must not update any state from them.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if !knownKinds[m.Kind] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return &m, nil
}

// DecodePayload unmarshals the message payload into the typed struct for its
// kind.
func (m *Message) DecodePayload(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// signable returns the bytes covered by the signature.
func (m *Message) signable() []byte {
	return []byte(string(m.Kind) + m.CorrelationID + strconv.FormatInt(m.Timestamp, 10) + string(m.Payload))
}

// Sign signs the message with the sending node's private key.
func (m *Message) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, m.signable())
	m.Signature = hex.EncodeToString(sig)
}

// Verify checks the message signature against the given public key.
func (m *Message) Verify(pub ed25519.PublicKey) error {
	if m.Signature == "" {
		return errors.New("message has no signature")
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !ed25519.Verify(pub, m.signable(), sig) {
		return errors.New("signature verification failed")
	}
	return nil
}
