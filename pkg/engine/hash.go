package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ContentHash returns a canonical SHA-256 hash over a record's fields.
// Keys are hashed in sorted order at every nesting level so that two
// snapshots with identical content produce identical hashes regardless
// of map iteration order. Divergence is detected by hash inequality,
// not timestamps, since cross-system clocks are untrusted.
func ContentHash(data map[string]any) string {
	h := sha256.New()
	writeCanonical(h, data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashEqual reports whether two snapshots have identical content.
func HashEqual(a, b map[string]any) bool {
	return ContentHash(a) == ContentHash(b)
}

type hashWriter interface {
	Write(p []byte) (int, error)
}

func writeCanonical(w hashWriter, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Write([]byte{'{'})
		for _, k := range keys {
			// Keys go through the same JSON encoding as scalar values
			// so a delimiter inside a key cannot collide with the
			// canonical form's own separators.
			writeCanonical(w, k)
			w.Write([]byte{':'})
			writeCanonical(w, val[k])
			w.Write([]byte{','})
		}
		w.Write([]byte{'}'})
	case []any:
		w.Write([]byte{'['})
		for _, e := range val {
			writeCanonical(w, e)
			w.Write([]byte{','})
		}
		w.Write([]byte{']'})
	default:
		// Scalars round-trip through JSON so that 1 and 1.0 decoded
		// from different payloads hash identically.
		b, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(w, "%v", val)
			return
		}
		w.Write(b)
	}
}
