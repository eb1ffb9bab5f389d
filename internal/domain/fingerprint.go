package domain

import (
	"encoding/hex"
	"sort"

	"lukechampine.com/blake3"
)

// Fingerprint identifies a cacheable query. Equal scope, mode and key set
// produce equal fingerprints regardless of key order or duplicates.
type Fingerprint string

// FingerprintOf digests (scope, sorted distinct keys, mode).
func FingerprintOf(scope string, keys KeySet, mode Mode) Fingerprint {
	distinct := keys.Dedup().Strings()
	sort.Strings(distinct)

	h := blake3.New(32, nil)
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(mode))
	for _, k := range distinct {
		h.Write([]byte{0})
		h.Write([]byte(k))
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
