// Package fracindex generates order keys for collaborative cell ordering.
//
// A key is a non-empty string over a base-62 alphabet, compared byte-wise
// (never locale-aware). KeyBetween produces a key strictly between two
// existing keys, so concurrent clients can insert or move cells without
// renumbering siblings and without coordinating through a shared counter.
//
// KNOWN LIMITATION: under extremely dense, adversarial insertion at the
// same location, independently generated keys can collide or interleave so
// tightly that strict lexicographic ordering is no longer guaranteed. This
// is fundamental to coordination-free fractional indexing and is accepted;
// the jittered candidate selection below only makes it improbable, not
// impossible.
package fracindex

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// alphabet is the digit set, in byte order. Byte order of the alphabet and
// lexicographic order of keys must agree, which holds for 0-9 < A-Z < a-z
// in ASCII.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// candidateCount is how many interior candidates KeyBetween generates
// before selecting one at random. More candidates spread concurrent
// writers further apart at the cost of slightly longer keys.
const candidateCount = 7

var (
	// ErrInvalidKey indicates a key containing bytes outside the alphabet
	// or a trailing minimum digit (which would make midpoints ambiguous).
	ErrInvalidKey = errors.New("fracindex: invalid key")

	// ErrBoundsInverted indicates KeyBetween was called with a >= b.
	ErrBoundsInverted = errors.New("fracindex: lower bound not below upper bound")
)

// Generator produces order keys. The zero value is not usable; construct
// with New or NewSeeded.
//
// Thread-safety: Generator is NOT safe for concurrent use. Each client
// (editor, runtime agent) owns its own generator, which matches the
// offline-independent model - generators never coordinate.
type Generator struct {
	rng *rand.Rand
}

// New returns a Generator with a randomly seeded source.
func New() *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded returns a Generator with a fixed seed for deterministic tests.
func NewSeeded(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed))}
}

// KeyBetween returns a key k with a < k < b in byte order.
//
// Nil bounds are virtual: a == nil means "before the first sibling",
// b == nil means "after the last sibling". Both nil yields a key for the
// first cell of an empty notebook.
//
// The returned key is chosen pseudo-randomly from the interior of several
// candidates between the bounds (never the first or last candidate), so
// two independent writers inserting at the same location repeatedly are
// unlikely to converge on colliding keys.
func (g *Generator) KeyBetween(a, b *string) (string, error) {
	candidates, err := g.NKeysBetween(a, b, candidateCount)
	if err != nil {
		return "", err
	}
	// Interior pick: skip index 0 and the last index.
	return candidates[1+g.rng.IntN(len(candidates)-2)], nil
}

// NKeysBetween returns n distinct keys strictly between a and b, in
// ascending order. Used for batch inserts (paste of n cells) where the
// caller needs a block of adjacent keys in one step.
func (g *Generator) NKeysBetween(a, b *string, n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("fracindex: n must be positive, got %d", n)
	}
	lo, hi := "", ""
	if a != nil {
		if err := Validate(*a); err != nil {
			return nil, err
		}
		lo = *a
	}
	if b != nil {
		if err := Validate(*b); err != nil {
			return nil, err
		}
		hi = *b
	}
	if a != nil && b != nil && lo >= hi {
		return nil, fmt.Errorf("%w: %q >= %q", ErrBoundsInverted, lo, hi)
	}

	keys := make([]string, 0, n)
	fillBetween(lo, hi, n, &keys)
	return keys, nil
}

// fillBetween appends n keys between lo and hi (exclusive) to out by
// recursive bisection, keeping ascending order.
func fillBetween(lo, hi string, n int, out *[]string) {
	if n == 0 {
		return
	}
	mid := midpoint(lo, hi)
	left := (n - 1) / 2
	fillBetween(lo, mid, left, out)
	*out = append(*out, mid)
	fillBetween(mid, hi, n-1-left, out)
}

// Validate reports whether key is well formed: non-empty, alphabet bytes
// only, and no trailing minimum digit. A trailing '0' is forbidden because
// "a0" == midpoint-wise "a" and would break strict ordering of midpoints.
func Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if key[len(key)-1] == alphabet[0] {
		return fmt.Errorf("%w: %q has trailing minimum digit", ErrInvalidKey, key)
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(alphabet, key[i]) < 0 {
			return fmt.Errorf("%w: %q has byte %q outside alphabet", ErrInvalidKey, key, key[i])
		}
	}
	return nil
}

// midpoint returns a string strictly between a and b in byte order.
// a may be "" (virtual start); b may be "" (virtual end). Requires a < b
// when both are non-empty, and neither ends with the minimum digit.
func midpoint(a, b string) string {
	if b != "" {
		// Strip the common prefix; the midpoint shares it. The lower
		// bound is implicitly padded with minimum digits so e.g.
		// midpoint("", "0V") recurses to "0" + midpoint("", "V")
		// instead of emitting a bare trailing-zero key.
		n := 0
		for n < len(b) {
			ca := alphabet[0]
			if n < len(a) {
				ca = a[n]
			}
			if ca != b[n] {
				break
			}
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(a) {
				rest = a[n:]
			}
			return b[:n] + midpoint(rest, b[n:])
		}
	}

	// First digits differ (or a bound is exhausted).
	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(alphabet, a[0])
	}
	digitB := len(alphabet)
	if b != "" {
		digitB = strings.IndexByte(alphabet, b[0])
	}

	if digitB-digitA > 1 {
		// Room at this position: take the middle digit.
		return string(alphabet[(digitA+digitB)/2])
	}

	// Consecutive leading digits: no room at this position.
	if len(b) > 1 {
		// b has more digits; its first digit alone sits strictly
		// between a and b.
		return b[:1]
	}
	// Recurse under a's first digit against the virtual end.
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	return string(alphabet[digitA]) + midpoint(rest, "")
}
