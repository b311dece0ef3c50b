// Package txtrecord encodes and decodes the key/value pairs carried in a
// DNS-SD TXT record, per RFC 6763 section 6.
package txtrecord

import (
	"bytes"
	"fmt"
)

// Encode renders m into the ordered list of "key=value" byte strings that
// make up a TXT record's character-strings, preserving the iteration order
// of keys. Values may be strings, any fmt.Stringer-free scalar (rendered
// with fmt.Sprint), or raw bytes, which are carried through unchanged.
func Encode(keys []string, m map[string]any) [][]byte {
	out := make([][]byte, 0, len(keys))

	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}

		out = append(out, []byte(k+"="+stringify(v)))
	}

	return out
}

// EncodeMap is a convenience wrapper around Encode for callers that do not
// need to control key order explicitly; Go map iteration order is
// randomized, so prefer Encode with an explicit key slice when the order
// of entries is observable (as it is in the DNS-SD wire format).
func EncodeMap(m map[string]any) [][]byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return Encode(keys, m)
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Decode splits each element of raw into a key/value pair at the first "="
// byte. An element with no "=" yields a key equal to the whole element and
// an empty value. Elements whose key would be empty are discarded, and
// values are decoded as UTF-8 strings.
func Decode(raw [][]byte) map[string]string {
	strs, _ := split(raw)
	return strs
}

// DecodeBinary is Decode's raw-bytes counterpart: it returns the same
// key set with unmodified value bytes, which is the authoritative form a
// Browser attaches to a DiscoveredService alongside the lossily-decoded
// string view.
func DecodeBinary(raw [][]byte) map[string][]byte {
	_, bins := split(raw)
	return bins
}

func split(raw [][]byte) (map[string]string, map[string][]byte) {
	strs := map[string]string{}
	bins := map[string][]byte{}

	for _, item := range raw {
		i := bytes.IndexByte(item, '=')

		var key string
		var value []byte

		if i == -1 {
			key = string(item)
			value = nil
		} else {
			key = string(item[:i])
			value = item[i+1:]
		}

		if key == "" {
			continue
		}

		strs[key] = string(value)
		bins[key] = append([]byte(nil), value...)
	}

	return strs, bins
}
