package utils

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes parts in order. Each part is length-prefixed so that
// ("ab", "c") and ("a", "bc") differ.
func Fingerprint(parts ...string) string {
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(strconv.Itoa(len(p)))
		_, _ = h.WriteString(":")
		_, _ = h.WriteString(p)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Seed derives a stable 64-bit seed from s.
func Seed(s string) uint64 {
	return xxhash.Sum64String(s)
}
