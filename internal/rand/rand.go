package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const bytesInUint64 = 8

var defaultSource = newSource()

func newSource() *source {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &source{
		//nolint:gosec // access codes are identifiers, not secrets
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

type source struct {
	mut sync.Mutex
	rng *rand.Rand
}

func (s *source) fromAlphabet(alphabet string, length int) string {
	buf := make([]byte, length)

	s.mut.Lock()
	for i := range buf {
		buf[i] = alphabet[s.rng.IntN(len(alphabet))]
	}
	s.mut.Unlock()

	return string(buf)
}

// String returns a uniformly distributed string of the given length drawn
// from alphabet. alphabet must be ASCII.
func String(alphabet string, length int) string {
	return defaultSource.fromAlphabet(alphabet, length)
}

// UniqueString keeps drawing until taken reports the candidate as free or
// attempts run out, in which case ok is false.
func UniqueString(alphabet string, length, attempts int, taken func(string) bool) (s string, ok bool) {
	for range attempts {
		s = String(alphabet, length)
		if !taken(s) {
			return s, true
		}
	}
	return "", false
}
