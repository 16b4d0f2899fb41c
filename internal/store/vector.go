package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	vectorHeaderSize = 4
	vectorValueSize  = 4
)

// EncodeVector packs a float32 vector into a blob:
// [4-byte little-endian dimension][N x 4-byte little-endian float32].
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}

	blob := make([]byte, vectorHeaderSize+len(vector)*vectorValueSize)
	binary.LittleEndian.PutUint32(blob[:vectorHeaderSize], uint32(len(vector)))

	offset := vectorHeaderSize
	for i, v := range vector {
		if !finite(float64(v)) {
			return nil, fmt.Errorf("encode vector: invalid value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[offset:offset+vectorValueSize], math.Float32bits(v))
		offset += vectorValueSize
	}
	return blob, nil
}

// DecodeVector unpacks a blob created by EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < vectorHeaderSize {
		return nil, fmt.Errorf("decode vector: blob too short: %d", len(blob))
	}

	dim := int(binary.LittleEndian.Uint32(blob[:vectorHeaderSize]))
	if dim <= 0 {
		return nil, fmt.Errorf("decode vector: invalid dimension: %d", dim)
	}
	if want := vectorHeaderSize + dim*vectorValueSize; len(blob) != want {
		return nil, fmt.Errorf("decode vector: dimension mismatch: dim=%d payload=%d", dim, len(blob)-vectorHeaderSize)
	}

	vector := make([]float32, dim)
	offset := vectorHeaderSize
	for i := range vector {
		v := math.Float32frombits(binary.LittleEndian.Uint32(blob[offset : offset+vectorValueSize]))
		if !finite(float64(v)) {
			return nil, fmt.Errorf("decode vector: invalid value at index %d", i)
		}
		vector[i] = v
		offset += vectorValueSize
	}
	return vector, nil
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// clamped to [-1, 1].
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		if !finite(ai) || !finite(bi) {
			return 0, fmt.Errorf("cosine similarity: invalid value at index %d", i)
		}
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine similarity: zero vector norm")
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
