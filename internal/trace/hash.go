package trace

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"fluxweaver/internal/core"
)

func digest(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// BasisHash identifies the inputs of an invocation: site, target year,
// configuration digest and per-year fingerprints in ascending year order.
// Every field is length-prefixed.
func BasisHash(site string, year int, configJSON []byte, hashes core.Fingerprints) string {
	h := sha256.New()
	var n [8]byte
	field := func(b []byte) {
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		_, _ = h.Write(n[:])
		_, _ = h.Write(b)
	}

	field([]byte("fluxweaver/basis/v1"))
	field([]byte(site))
	binary.BigEndian.PutUint64(n[:], uint64(int64(year)))
	_, _ = h.Write(n[:])
	field(configJSON)
	for _, y := range hashes.Years() {
		binary.BigEndian.PutUint64(n[:], uint64(int64(y)))
		_, _ = h.Write(n[:])
		field([]byte(hashes[y]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
