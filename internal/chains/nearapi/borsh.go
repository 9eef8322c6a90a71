package nearapi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
)

// borshWriter serializes the subset of borsh the NEAR transaction
// format needs: little-endian integers, length-prefixed strings and
// byte vectors, and enum discriminants.
type borshWriter struct {
	buf bytes.Buffer
}

func (w *borshWriter) u8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *borshWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *borshWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// u128 writes a 16-byte little-endian unsigned integer.
func (w *borshWriter) u128(v *big.Int) error {
	if v == nil {
		v = big.NewInt(0)
	}
	if v.Sign() < 0 || v.BitLen() > 128 {
		return fmt.Errorf("u128 out of range: %s", v)
	}
	var b [16]byte
	v.FillBytes(b[:])
	// FillBytes is big-endian; borsh wants little-endian.
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	w.buf.Write(b[:])
	return nil
}

func (w *borshWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *borshWriter) vecBytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *borshWriter) fixedBytes(b []byte) {
	w.buf.Write(b)
}

func (w *borshWriter) bytes() []byte {
	return w.buf.Bytes()
}
