// Package crypto generates opaque hash tokens of arbitrary length.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// pepper seeds every generator instance.
const pepper = "*1337-o(]{`Rand0m1um}[)`:.x6x5x4x2x1x9x000000000::"

// printable is the symbol set random salt strings draw from.
const printable = "0123456789abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~ \t\n\r\x0b\x0c"

const (
	minSaltLength = 256
	maxSaltLength = 513
)

// HashGenerator produces hashes of arbitrary length, one at a time.
// The internal salt evolves with every hash so consecutive outputs
// never repeat. Not safe for concurrent use.
type HashGenerator struct {
	salt string
	rng  *rand.Rand
}

// NewHashGenerator initializes a generator, optionally folding extra
// salt into the chain.
func NewHashGenerator(extraSalt string) *HashGenerator {
	g := &HashGenerator{
		salt: pepper + time.Now().UTC().Format(time.RFC3339Nano) + extraSalt,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	g.salt = g.nextSalt()
	return g
}

// randomString produces a random string of a semi-random length.
func (g *HashGenerator) randomString() string {
	length := minSaltLength + g.rng.Intn(maxSaltLength-minSaltLength)
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(printable[g.rng.Intn(len(printable))])
	}
	return b.String()
}

func (g *HashGenerator) nextSalt() string {
	return fmt.Sprintf("%s:%s", g.randomString(), time.Now().UTC().Format(time.RFC3339Nano))
}

// nextHash advances the salt chain and digests it. One place to change
// if the hashing scheme ever needs to move off sha256.
func (g *HashGenerator) nextHash() string {
	g.salt = g.nextSalt()
	digest := sha256.Sum256([]byte(g.salt))
	return hex.EncodeToString(digest[:])
}

// Generate produces a hash of the requested length, chaining digests
// until enough material exists.
func (g *HashGenerator) Generate(length int) string {
	var b strings.Builder
	for b.Len() < length {
		b.WriteString(g.nextHash())
	}
	return b.String()[:length]
}

// GenerateHashSet produces quantity distinct hashes of the given
// length, topping up if the stream ever repeats itself.
func (g *HashGenerator) GenerateHashSet(quantity, length int) ([]string, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("quantity must be 0 or greater, got %d", quantity)
	}
	seen := make(map[string]bool, quantity)
	digests := make([]string, 0, quantity)
	for len(digests) < quantity {
		h := g.Generate(length)
		if seen[h] {
			continue
		}
		seen[h] = true
		digests = append(digests, h)
	}
	return digests, nil
}
