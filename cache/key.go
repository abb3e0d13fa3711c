package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/teranos/cachet/errors"
)

// KeyLength is the length of a hex-encoded SHA-256 key
const KeyLength = 64

// Key identifies one cached extraction. It is a lowercase hex SHA-256 digest.
type Key string

// String implements fmt.Stringer
func (k Key) String() string { return string(k) }

// Short returns the first 12 characters for log lines and tables
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

// IsKey reports whether s has the shape of a Key
func IsKey(s string) bool {
	if len(s) != KeyLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// ParseKey validates s and returns it as a Key
func ParseKey(s string) (Key, error) {
	if !IsKey(s) {
		return "", errors.NewInvalidRequestError("malformed cache key %q", s)
	}
	return Key(s), nil
}

// Address computes the digest of (origin, descriptor): the SHA-256 of
// origin + "|" + CanonicalJSON(descriptor). Field order in the descriptor does not
// affect the result. The canonical descriptor is returned alongside so callers can
// store exactly what was hashed.
func Address(origin string, descriptor json.RawMessage) (Key, json.RawMessage, error) {
	canonical, err := CanonicalJSON(descriptor)
	if err != nil {
		return "", nil, errors.NewInvalidDescriptorError(err)
	}

	h := sha256.New()
	h.Write([]byte(origin))
	h.Write([]byte("|"))
	h.Write(canonical)
	return Key(hex.EncodeToString(h.Sum(nil))), canonical, nil
}

// KeyForGeneration derives the key issued for generation g of a digest. Generation 0
// is the digest itself; later generations exist so that a failed, revoked or
// foreign-scoped entry is never handed out again under the same key.
func KeyForGeneration(digest Key, generation int) Key {
	if generation == 0 {
		return digest
	}
	sum := sha256.Sum256([]byte(string(digest) + "#" + strconv.Itoa(generation)))
	return Key(hex.EncodeToString(sum[:]))
}
