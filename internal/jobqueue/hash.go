package jobqueue

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ContentHash digests an ordered tuple of fields into the hex key used to
// suppress duplicate jobs. Each field is length-prefixed so ("ab","c") and
// ("a","bc") hash differently.
func ContentHash(fields ...string) string {
	h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
	var n [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
