package store

import (
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}

	blob, err := EncodeVector(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeVector(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(out) != len(in) {
		t.Fatalf("decoded dim = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("value %d = %f, want %f", i, out[i], in[i])
		}
	}
}

func TestEncodeVectorRejectsBadInput(t *testing.T) {
	if _, err := EncodeVector(nil); err == nil {
		t.Error("empty vector encoded without error")
	}
	if _, err := EncodeVector([]float32{1, float32(math.NaN())}); err == nil {
		t.Error("NaN value encoded without error")
	}
	if _, err := EncodeVector([]float32{float32(math.Inf(1))}); err == nil {
		t.Error("Inf value encoded without error")
	}
}

func TestDecodeVectorRejectsBadBlobs(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2}); err == nil {
		t.Error("short blob decoded without error")
	}
	// Header claims 3 values but only 2 follow.
	blob, err := EncodeVector([]float32{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	blob[0] = 3
	if _, err := DecodeVector(blob); err == nil {
		t.Error("dimension mismatch decoded without error")
	}
}

func TestCosineSimilarity(t *testing.T) {
	identical, err := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(identical-1) > 1e-9 {
		t.Errorf("identical vectors similarity = %f, want 1", identical)
	}

	orthogonal, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(orthogonal) > 1e-9 {
		t.Errorf("orthogonal vectors similarity = %f, want 0", orthogonal)
	}

	opposite, err := CosineSimilarity([]float32{2, 0}, []float32{-1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(opposite+1) > 1e-9 {
		t.Errorf("opposite vectors similarity = %f, want -1", opposite)
	}
}

func TestCosineSimilarityErrors(t *testing.T) {
	if _, err := CosineSimilarity([]float32{1}, []float32{1, 2}); err == nil {
		t.Error("dimension mismatch accepted")
	}
	if _, err := CosineSimilarity([]float32{0, 0}, []float32{1, 1}); err == nil {
		t.Error("zero-norm vector accepted")
	}
	if _, err := CosineSimilarity(nil, nil); err == nil {
		t.Error("empty vectors accepted")
	}
}
