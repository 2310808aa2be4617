package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/kudzu-systems/kudzu/internal/trace"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tr := trace.New("holo-1", "decision", map[string]any{"content": "moved cold tier"}, trace.ImportanceCritical)
	msg, err := New(KindTraceShare, Sender{HologramID: "holo-1", NodeID: "node-a"}, TraceSharePayload{Trace: tr})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Kind != KindTraceShare {
		t.Fatalf("kind = %q, want trace_share", decoded.Kind)
	}
	if decoded.CorrelationID != msg.CorrelationID {
		t.Fatalf("correlation id = %q, want %q", decoded.CorrelationID, msg.CorrelationID)
	}

	var payload TraceSharePayload
	if err := decoded.DecodePayload(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Trace.ID != tr.ID {
		t.Fatalf("trace id = %q, want %q", payload.Trace.ID, tr.ID)
	}
	if payload.Trace.Clock["holo-1"] != 1 {
		t.Fatalf("clock lost in transit: %v", payload.Trace.Clock)
	}
	if payload.Trace.Importance != trace.ImportanceCritical {
		t.Fatalf("importance lost in transit: %q", payload.Trace.Importance)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"kind":"teleport","correlation_id":"abc","payload":{}}`)
	_, err := Decode(raw)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed bytes")
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	if _, err := New(Kind("teleport"), Sender{}, PingPayload{}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestReplyReusesCorrelationID(t *testing.T) {
	req, err := New(KindPing, Sender{HologramID: "holo-1"}, PingPayload{Nonce: "n1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := Reply(req, KindPong, Sender{HologramID: "holo-2"}, PongPayload{Nonce: "n1"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if resp.CorrelationID != req.CorrelationID {
		t.Fatalf("correlation id = %q, want %q", resp.CorrelationID, req.CorrelationID)
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)

	msg, err := New(KindPing, Sender{NodeID: "node-a"}, PingPayload{Nonce: "n1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msg.Sign(priv)
	if msg.Signature == "" {
		t.Fatal("signature should be set")
	}
	if err := msg.Verify(pub); err != nil {
		t.Fatalf("verify: %v", err)
	}

	msg.Payload = []byte(`{"nonce":"tampered"}`)
	if err := msg.Verify(pub); err == nil {
		t.Fatal("expected tampered message to fail verification")
	}
}
