package ber

import (
	"fmt"
	"strconv"
	"strings"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
)

// EncodeOID encodes a dotted object identifier into OBJECT IDENTIFIER content
// octets (no tag or length).
func EncodeOID(oid string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(oid), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID %q: at least two arcs required", oid)
	}

	arcs := make([]uint64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid OID %q: %w", oid, err)
		}
		arcs[i] = v
	}
	if arcs[0] > 2 || (arcs[0] < 2 && arcs[1] >= 40) {
		return nil, fmt.Errorf("invalid OID %q: first arcs out of range", oid)
	}

	out := appendBase128(nil, arcs[0]*40+arcs[1])
	for _, arc := range arcs[2:] {
		out = appendBase128(out, arc)
	}
	return out, nil
}

// MustEncodeOID is EncodeOID for compile-time constant identifiers.
func MustEncodeOID(oid string) []byte {
	encoded, err := EncodeOID(oid)
	if err != nil {
		panic(err)
	}
	return encoded
}

// DecodeOID decodes OBJECT IDENTIFIER content octets into dotted form.
func DecodeOID(encoded []byte) (string, error) {
	if len(encoded) == 0 {
		return "", amhserrors.NewDecodeError("ber", 0, "invalid OID encoding: empty value")
	}

	var (
		sb      strings.Builder
		value   uint64
		pending bool
		first   = true
	)
	for i, octet := range encoded {
		if value > (1<<57)-1 {
			return "", amhserrors.NewDecodeError("ber", i, "invalid OID encoding: arc overflow")
		}
		value = value<<7 | uint64(octet&0x7F)
		pending = octet&0x80 != 0
		if pending {
			continue
		}
		if first {
			x := value / 40
			if x > 2 {
				x = 2
			}
			sb.WriteString(strconv.FormatUint(x, 10))
			sb.WriteByte('.')
			sb.WriteString(strconv.FormatUint(value-40*x, 10))
			first = false
		} else {
			sb.WriteByte('.')
			sb.WriteString(strconv.FormatUint(value, 10))
		}
		value = 0
	}
	if pending {
		return "", amhserrors.NewDecodeError("ber", len(encoded)-1, "invalid OID encoding: trailing continuation bit")
	}
	return sb.String(), nil
}

// OID builds a universal OBJECT IDENTIFIER TLV.
func OID(oid string) (TLV, error) {
	encoded, err := EncodeOID(oid)
	if err != nil {
		return TLV{}, err
	}
	return Primitive(ClassUniversal, TagOID, encoded), nil
}

// DecodeOIDTLV decodes an OBJECT IDENTIFIER, descending through explicit
// context tags that wrap it.
func DecodeOIDTLV(t TLV) (string, error) {
	inner, err := Unwrap(t)
	if err != nil {
		return "", err
	}
	if !inner.IsUniversal() || inner.Tag != TagOID {
		return "", amhserrors.NewDecodeError("ber", -1, "value must be OBJECT IDENTIFIER")
	}
	return DecodeOID(inner.Value)
}

func appendBase128(out []byte, v uint64) []byte {
	var buf [10]byte
	n := 0
	for {
		buf[n] = byte(v & 0x7F)
		n++
		v >>= 7
		if v == 0 {
			break
		}
	}
	for i := n - 1; i >= 0; i-- {
		octet := buf[i]
		if i != 0 {
			octet |= 0x80
		}
		out = append(out, octet)
	}
	return out
}
