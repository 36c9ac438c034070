package services

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// DedupeKey hashes the operation kind and its identifying parts. Each part is
// length-prefixed so ("ab","c") and ("a","bc") never collide.
func DedupeKey(kind string, parts ...string) string {
	h := sha256.New()
	var n [8]byte
	for _, p := range append([]string{kind}, parts...) {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func keyTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
