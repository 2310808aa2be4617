package store

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Erasure-coding geometry for archived reconstruction hints: any 4 of the
// 6 shards recover the payload, so a hint survives the loss of two hosts.
const (
	archiveDataShards   = 4
	archiveParityShards = 2
)

// archiveHint splits a reconstruction hint into erasure-coded shards and
// spreads them across the given hosts. Applied to critical traces whose
// hints exceed the engine's archive threshold, as an extra durability layer
// on top of row replication.
func archiveHint(a HintArchive, hosts []string, traceID string, hint map[string]any) error {
	if len(hosts) == 0 {
		return fmt.Errorf("archive hint %s: no hosts", traceID)
	}
	data, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("marshal hint %s: %w", traceID, err)
	}

	enc, err := reedsolomon.New(archiveDataShards, archiveParityShards)
	if err != nil {
		return fmt.Errorf("creating reed-solomon encoder: %w", err)
	}
	shards, err := enc.Split(data)
	if err != nil {
		return fmt.Errorf("splitting hint into shards: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("encoding parity shards: %w", err)
	}

	for i, shard := range shards {
		host := hosts[i%len(hosts)]
		if err := a.PutShard(traceID, i, len(data), host, shard); err != nil {
			return fmt.Errorf("store shard %d: %w", i, err)
		}
	}
	return nil
}

// restoreHint reconstructs an archived hint from whatever shards survive.
// Some shards may be missing (nil); any archiveDataShards of them suffice.
func restoreHint(a HintArchive, traceID string) (map[string]any, error) {
	shards, originalSize, err := a.Shards(traceID)
	if err != nil {
		return nil, err
	}
	if shards == nil {
		return nil, fmt.Errorf("hint %s: %w", traceID, ErrNotFound)
	}

	enc, err := reedsolomon.New(archiveDataShards, archiveParityShards)
	if err != nil {
		return nil, fmt.Errorf("creating reed-solomon encoder: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstructing shards: %w", err)
	}
	ok, err := enc.Verify(shards)
	if err != nil {
		return nil, fmt.Errorf("verifying shards: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("shard verification failed after reconstruction")
	}

	var data []byte
	for i := 0; i < archiveDataShards; i++ {
		data = append(data, shards[i]...)
	}
	// Reed-Solomon pads; trim back to the original size.
	if originalSize > len(data) {
		return nil, fmt.Errorf("original size %d exceeds reconstructed length %d", originalSize, len(data))
	}
	data = data[:originalSize]

	var hint map[string]any
	if err := json.Unmarshal(data, &hint); err != nil {
		return nil, fmt.Errorf("unmarshal hint %s: %w", traceID, err)
	}
	return hint, nil
}
