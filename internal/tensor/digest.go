package tensor

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Digest hashes the shape and little-endian contents of t. Two tensors have
// the same digest when they would be saved byte for byte identically.
func Digest(t Tensor) uint64 {
	h := xxhash.New()
	var buf [4096]byte
	n := 0
	for _, d := range t.Shape {
		binary.LittleEndian.PutUint64(buf[n:], uint64(d))
		n += 8
	}
	h.Write(buf[:n])
	n = 0
	for _, x := range t.Data {
		binary.LittleEndian.PutUint32(buf[n:], math.Float32bits(x))
		n += 4
		if n == len(buf) {
			h.Write(buf[:])
			n = 0
		}
	}
	h.Write(buf[:n])
	return h.Sum64()
}
