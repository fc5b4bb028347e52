package command

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
)

// Key identifies a fully built command line. Equal argv always produce an
// equal Key, so it is used to match jobs with pre-started processes.
type Key [sha256.Size]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Hash returns the SHA-256 of argv. Every argument is prefixed by its length,
// so ["ab", "c"] and ["a", "bc"] never collide.
func Hash(argv []string) Key {
	h := sha256.New()
	var size [8]byte
	for _, arg := range argv {
		binary.BigEndian.PutUint64(size[:], uint64(len(arg)))
		_, _ = h.Write(size[:])
		_, _ = io.WriteString(h, arg)
	}
	var key Key
	h.Sum(key[:0])
	return key
}
