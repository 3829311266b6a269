package alert

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"deploywatch.org/core/monitor/models"
)

// Signature fingerprints an alert for deduplication: two occurrences
// with the same type, severity and canonicalized data collapse into
// one active alert.
func Signature(alertType string, severity models.Severity, data map[string]any) string {
	return fmt.Sprintf("%s:%s:%s", alertType, severity, canonical(data))
}

// canonical serializes a value with every map recursively key-sorted,
// so payloads that differ only in key order produce identical
// signatures.
func canonical(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			b.Write(kj)
			b.WriteByte(':')
			b.WriteString(canonical(val[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonical(e))
		}
		b.WriteByte(']')
		return b.String()
	default:
		j, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%q", fmt.Sprint(v))
		}
		return string(j)
	}
}
