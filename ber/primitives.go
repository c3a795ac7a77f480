package ber

import (
	"fmt"
	"time"
	"unicode/utf8"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
)

const (
	utcTimeLayout         = "060102150405Z"
	generalizedTimeLayout = "20060102150405Z"
	maxNestingDepth       = 8
)

// Unwrap descends through constructed context-specific wrappers holding a
// single element until a universal TLV is reached. A universal TLV is
// returned unchanged.
func Unwrap(t TLV) (TLV, error) {
	current := t
	for depth := 0; depth < maxNestingDepth; depth++ {
		if current.IsUniversal() || !current.Constructed {
			return current, nil
		}
		children, err := current.Children()
		if err != nil {
			return TLV{}, err
		}
		if len(children) == 0 {
			return TLV{}, amhserrors.NewDecodeError("ber", -1, fmt.Sprintf("empty explicit wrapper [%d]", current.Tag))
		}
		current = children[0]
	}
	return TLV{}, amhserrors.NewDecodeError("ber", -1, "explicit tag nesting too deep")
}

// DecodeIA5 returns the value as an IA5 (ASCII) string. Octets outside the
// seven bit range are rejected.
func DecodeIA5(value []byte) (string, error) {
	for i, b := range value {
		if b > 0x7F {
			return "", amhserrors.NewDecodeError("ber", i, "non-IA5 octet in string value")
		}
	}
	return string(value), nil
}

// DecodeUTF8 returns the value as a UTF-8 string.
func DecodeUTF8(value []byte) (string, error) {
	if !utf8.Valid(value) {
		return "", amhserrors.NewDecodeError("ber", -1, "invalid UTF-8 string value")
	}
	return string(value), nil
}

// DecodeUnsigned decodes a one to four octet big-endian INTEGER or
// ENUMERATED value as an unsigned number.
func DecodeUnsigned(value []byte) (int, error) {
	if len(value) == 0 || len(value) > 4 {
		return 0, amhserrors.NewDecodeError("ber", -1, "invalid BER INTEGER/ENUMERATED length")
	}
	number := 0
	for _, b := range value {
		number = number<<8 | int(b)
	}
	return number, nil
}

// EncodeUnsigned encodes a non-negative number in the minimum number of
// octets, adding a leading zero when the top bit would otherwise be set.
func EncodeUnsigned(v int) []byte {
	if v < 0 {
		v = 0
	}
	if v == 0 {
		return []byte{0}
	}
	var out []byte
	for x := v; x > 0; x >>= 8 {
		out = append([]byte{byte(x)}, out...)
	}
	if out[0]&0x80 != 0 {
		out = append([]byte{0}, out...)
	}
	return out
}

// ParseUTCTime parses a UTCTime value in the yyMMddHHmmssZ form.
func ParseUTCTime(value []byte) (time.Time, error) {
	t, err := time.Parse(utcTimeLayout, string(value))
	if err != nil {
		return time.Time{}, amhserrors.WrapDecodeError("ber", -1, fmt.Sprintf("invalid BER filing time: %s", value), err)
	}
	return t.UTC(), nil
}

// ParseGeneralizedTime parses a GeneralizedTime value in the
// yyyyMMddHHmmssZ form.
func ParseGeneralizedTime(value []byte) (time.Time, error) {
	t, err := time.Parse(generalizedTimeLayout, string(value))
	if err != nil {
		return time.Time{}, amhserrors.WrapDecodeError("ber", -1, fmt.Sprintf("invalid BER filing time: %s", value), err)
	}
	return t.UTC(), nil
}

// FormatUTCTime formats t as a UTCTime value.
func FormatUTCTime(t time.Time) []byte {
	return []byte(t.UTC().Format(utcTimeLayout))
}

// FormatGeneralizedTime formats t as a GeneralizedTime value.
func FormatGeneralizedTime(t time.Time) []byte {
	return []byte(t.UTC().Format(generalizedTimeLayout))
}
