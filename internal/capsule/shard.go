package capsule

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// shardCiphertext splits ciphertext into dataShards + parityShards using
// Reed-Solomon erasure coding, so the capsule store tolerates losing up to
// parityShards blobs without losing the ciphertext.
func shardCiphertext(ciphertext []byte, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("new reed-solomon encoder: %w", err)
	}

	shards, err := enc.Split(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("split ciphertext: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode parity shards: %w", err)
	}
	return shards, nil
}

// reassembleCiphertext reconstructs the original ciphertext from available
// shards; nil entries are lost shards. It fails when fewer than dataShards
// shards remain.
func reassembleCiphertext(shards [][]byte, dataShards, parityShards int, cipherLen int64) ([]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("new reed-solomon encoder: %w", err)
	}

	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstruct shards: %w", err)
	}
	ok, err := enc.Verify(shards)
	if err != nil {
		return nil, fmt.Errorf("verify shards: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("shard verification failed after reconstruction")
	}

	var ciphertext []byte
	for i := 0; i < dataShards; i++ {
		ciphertext = append(ciphertext, shards[i]...)
	}
	if cipherLen > int64(len(ciphertext)) {
		return nil, fmt.Errorf("ciphertext length %d exceeds reassembled data length %d", cipherLen, len(ciphertext))
	}
	return ciphertext[:cipherLen], nil
}
