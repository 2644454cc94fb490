package memory

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Embedding blobs are a little-endian uint32 dimension followed by that many float32 values.
const (
	blobHeaderSize = 4
	blobValueSize  = 4
)

// EncodeVector serializes an embedding for the embedding column.
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}
	if uint64(len(vector)) > math.MaxUint32 {
		return nil, fmt.Errorf("encode vector: dimension too large: %d", len(vector))
	}

	blob := make([]byte, blobHeaderSize+len(vector)*blobValueSize)
	binary.LittleEndian.PutUint32(blob, uint32(len(vector)))
	for i, v := range vector {
		if !finite(v) {
			return nil, fmt.Errorf("encode vector: non-finite value at index %d", i)
		}
		off := blobHeaderSize + i*blobValueSize
		binary.LittleEndian.PutUint32(blob[off:], math.Float32bits(v))
	}
	return blob, nil
}

// DecodeVector reverses EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < blobHeaderSize {
		return nil, fmt.Errorf("decode vector: blob too short: %d bytes", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob))
	if dim == 0 {
		return nil, fmt.Errorf("decode vector: zero dimension")
	}
	if payload := len(blob) - blobHeaderSize; payload != dim*blobValueSize {
		return nil, fmt.Errorf("decode vector: dimension mismatch: dim=%d payload=%d", dim, payload)
	}

	vector := make([]float32, dim)
	for i := range vector {
		off := blobHeaderSize + i*blobValueSize
		v := math.Float32frombits(binary.LittleEndian.Uint32(blob[off:]))
		if !finite(v) {
			return nil, fmt.Errorf("decode vector: non-finite value at index %d", i)
		}
		vector[i] = v
	}
	return vector, nil
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
