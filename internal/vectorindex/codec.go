package vectorindex

import (
	"encoding/binary"
	"math"
)

// encodeVector serializes a float32 vector to little-endian bytes, mirroring
// the literal encoding pgvector-go (used by the teacher's sefii.Engine) uses
// for its float4 arrays, so embeddings round-trip byte-for-byte through a
// BYTEA column; the Postgres implementation stores them that way.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
