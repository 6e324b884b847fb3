package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalArguments renders an argument map in a deterministic form:
// object keys sorted lexicographically at every level, no insignificant
// whitespace. Two semantically identical argument maps always produce the
// same bytes, which makes the output usable as a cache key component.
func CanonicalArguments(args map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes(), nil
}

// DecisionCacheKey builds the canonical policy-cache key for a request tuple.
func DecisionCacheKey(userID, tenantID, toolName string, args map[string]interface{}) (string, error) {
	canon, err := CanonicalArguments(args)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, part := range []string{userID, tenantID, toolName} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(canon)
	return "pd:" + hex.EncodeToString(h.Sum(nil)), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteString(":")
			writeCanonical(buf, t[k])
		}
		buf.WriteString("}")
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			writeCanonical(buf, vv)
		}
		buf.WriteString("]")
	default:
		b, _ := json.Marshal(t)
		buf.Write(b)
	}
}
