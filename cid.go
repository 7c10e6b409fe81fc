package mailstrom

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id to be used for correlating log lines of an
// operation.
func Cid() int64 {
	return cid.Add(1)
}

// newPseudoRand returns a new PRNG seeded with random bytes from crypto/rand.
func newPseudoRand() *mathrand.Rand {
	return mathrand.New(mathrand.NewSource(cryptoRandInt()))
}

func cryptoRandInt() int64 {
	buf := make([]byte, 8)
	_, err := cryptorand.Read(buf)
	if err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return int64(binary.LittleEndian.Uint64(buf))
}
