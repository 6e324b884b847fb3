package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"warden/pkg/models"
)

// redactRecord hashes the identity fields that may still hold raw values.
// Argument hashing happens in NewRecord; this is the final safety net
// before a row leaves the process.
func redactRecord(rec Record, salt []byte) Record {
	if rec.UserIDHash != "" && !looksHashed(rec.UserIDHash) {
		rec.UserIDHash = hashString(rec.UserIDHash, salt)
	}
	return rec
}

// HashArguments produces a salted digest over the canonical form of the
// argument map plus the sorted key names. Key names are retained for
// forensics; values never are.
func HashArguments(args map[string]interface{}, salt []byte) (hash string, keys []string) {
	canon, err := models.CanonicalArguments(args)
	if err != nil {
		return hashString("unhashable", salt), nil
	}
	keys = make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return hashBytes(canon, salt), keys
}

// HashUserID hashes a user identifier for storage.
func HashUserID(userID string, salt []byte) string {
	return hashString(userID, salt)
}

func looksHashed(v string) bool {
	if len(v) != 64 {
		return false
	}
	for _, c := range v {
		if !(('0' <= c && c <= '9') || ('a' <= c && c <= 'f')) {
			return false
		}
	}
	return true
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
