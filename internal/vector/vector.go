// Package vector provides the embedding wire format and cosine math used by
// the note index.
//
// Vectors are stored as little-endian float32 BLOBs. Distances are computed
// with the Gonum BLAS implementation, accumulating in float64.
package vector

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/gonum"
)

var blas = gonum.Implementation{}

// Encode packs v into a little-endian float32 blob.
func Encode(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode unpacks a blob produced by Encode.
func Decode(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector: blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, clamped
// to [-1, 1]. Vectors of different length, empty vectors and zero vectors
// have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	dot := blas.Dsdot(n, a, 1, b, 1)
	na := blas.Dsdot(n, a, 1, a, 1)
	nb := blas.Dsdot(n, b, 1, b, 1)
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case sim > 1:
		return 1
	case sim < -1:
		return -1
	}
	return sim
}

// CosineDistance is 1 - CosineSimilarity.
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}
