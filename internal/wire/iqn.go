package wire

import (
	"errors"
	"fmt"
	"strings"
)

// MaxIQNLen is the maximum length of an IQN string (target/iscsi/include/iqn.h).
const MaxIQNLen = 127

// ErrInvalidIQN is returned when a string cannot be parsed as an IQN.
var ErrInvalidIQN = errors.New("invalid iqn")

// IQN is an iSCSI qualified name: a lower-cased string of 1..MaxIQNLen bytes,
// optionally containing exactly one '*' wildcard (a "pattern", used only for
// filters — never as a session's own identity).
type IQN struct {
	value string
}

// Set builds an IQN from a printf-like format, mirroring iqn_set().
func Set(format string, args ...interface{}) (IQN, error) {
	return FromString(fmt.Sprintf(format, args...))
}

// FromString parses str into an IQN, lower-casing it. It rejects the empty
// string and strings longer than MaxIQNLen. It does not reject wildcards:
// callers that require a regular (non-pattern) IQN must check IsPattern.
func FromString(str string) (IQN, error) {
	if len(str) == 0 || len(str) > MaxIQNLen {
		return IQN{}, ErrInvalidIQN
	}
	return IQN{value: strings.ToLower(str)}, nil
}

// MustFromString is FromString but panics on error; for use with constants.
func MustFromString(str string) IQN {
	iqn, err := FromString(str)
	if err != nil {
		panic(err)
	}
	return iqn
}

// String returns the IQN's string form. It is valid to call on the zero
// value, which yields the empty string.
func (i IQN) String() string {
	return i.value
}

// IsEmpty reports whether the IQN was never set.
func (i IQN) IsEmpty() bool {
	return i.value == ""
}

// IsPattern reports whether the IQN contains exactly one '*'.
func (i IQN) IsPattern() bool {
	return oneWildcard(i.value)
}

// IsRegular reports whether the IQN contains no wildcard at all.
func (i IQN) IsRegular() bool {
	return !strings.Contains(i.value, "*")
}

func oneWildcard(s string) bool {
	first := strings.IndexByte(s, '*')
	if first < 0 {
		return false
	}
	return strings.LastIndexByte(s, '*') == first
}

// Copy returns a copy of the IQN.
func (i IQN) Copy() IQN {
	return i
}

// IsEqual compares two regular IQNs for string equality.
func (i IQN) IsEqual(other IQN) bool {
	return i.value == other.value
}

// Compare orders two IQNs lexicographically, mirroring iqn_compare().
func (i IQN) Compare(other IQN) int {
	return strings.Compare(i.value, other.value)
}

// Matches reports whether the receiver — which must be a regular IQN —
// matches filter, which may be regular (straight equality) or a pattern
// (wildcard-segment match around its single '*'). A non-regular receiver
// never matches anything.
func (i IQN) Matches(filter IQN) bool {
	if !i.IsRegular() {
		return false
	}
	if filter.IsRegular() {
		return i.value == filter.value
	}
	if !filter.IsPattern() {
		return false
	}
	star := strings.IndexByte(filter.value, '*')
	prefix := filter.value[:star]
	suffix := filter.value[star+1:]
	return len(i.value) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(i.value, prefix) &&
		strings.HasSuffix(i.value, suffix)
}
