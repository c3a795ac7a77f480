// Package ber implements the subset of ASN.1 Basic Encoding Rules used by the
// X.411 P1 protocol: definite-length tag-length-value units with low and
// high tag number forms.
package ber

import (
	"fmt"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
)

// Class is the two-bit ASN.1 tag class.
type Class int

const (
	ClassUniversal       Class = 0
	ClassApplication     Class = 1
	ClassContextSpecific Class = 2
	ClassPrivate         Class = 3
)

func (c Class) String() string {
	switch c {
	case ClassUniversal:
		return "universal"
	case ClassApplication:
		return "application"
	case ClassContextSpecific:
		return "context-specific"
	case ClassPrivate:
		return "private"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Universal tag numbers
const (
	TagBoolean          = 1
	TagInteger          = 2
	TagOctetString      = 4
	TagNull             = 5
	TagOID              = 6
	TagEnumerated       = 10
	TagUTF8String       = 12
	TagSequence         = 16
	TagSet              = 17
	TagPrintableString  = 19
	TagIA5String        = 22
	TagUTCTime          = 23
	TagGeneralizedTime  = 24
	maxLengthOctets     = 4
	highTagNumberMarker = 0x1F
)

// TLV is a single decoded tag-length-value unit. Value holds exactly the
// content octets announced by the length field.
type TLV struct {
	Class       Class
	Constructed bool
	Tag         int
	Value       []byte
}

// IsUniversal reports whether the TLV has the universal class
func (t TLV) IsUniversal() bool {
	return t.Class == ClassUniversal
}

// IsContextSpecific reports whether the TLV has the context-specific class
func (t TLV) IsContextSpecific() bool {
	return t.Class == ClassContextSpecific
}

// Children decodes the value of a constructed TLV into its sibling elements.
func (t TLV) Children() ([]TLV, error) {
	return DecodeAll(t.Value)
}

// Primitive builds a primitive TLV.
func Primitive(class Class, tag int, value []byte) TLV {
	return TLV{Class: class, Tag: tag, Value: value}
}

// Constructed builds a constructed TLV whose value is the concatenated
// encoding of children.
func Constructed(class Class, tag int, children ...TLV) TLV {
	var value []byte
	for _, child := range children {
		value = append(value, Encode(child)...)
	}
	if value == nil {
		value = []byte{}
	}
	return TLV{Class: class, Constructed: true, Tag: tag, Value: value}
}

// ContextPrimitive is shorthand for a context-specific primitive TLV.
func ContextPrimitive(tag int, value []byte) TLV {
	return Primitive(ClassContextSpecific, tag, value)
}

// ContextConstructed is shorthand for a context-specific constructed TLV.
func ContextConstructed(tag int, children ...TLV) TLV {
	return Constructed(ClassContextSpecific, tag, children...)
}

// DecodeAll decodes a concatenation of sibling TLVs starting at offset 0
// until the input is exhausted.
func DecodeAll(data []byte) ([]TLV, error) {
	var result []TLV
	offset := 0
	for offset < len(data) {
		tlv, n, err := decodeAt(data, offset)
		if err != nil {
			return nil, err
		}
		result = append(result, tlv)
		offset += n
	}
	return result, nil
}

// DecodeSingle decodes exactly one TLV and fails if trailing bytes remain.
func DecodeSingle(data []byte) (TLV, error) {
	tlv, n, err := decodeAt(data, 0)
	if err != nil {
		return TLV{}, err
	}
	if n != len(data) {
		return TLV{}, amhserrors.NewDecodeError("ber", n, "trailing data after ASN.1 BER TLV")
	}
	return tlv, nil
}

// Encode serializes a TLV using the shortest definite length form.
func Encode(t TLV) []byte {
	out := make([]byte, 0, len(t.Value)+8)
	out = appendTag(out, t.Class, t.Constructed, t.Tag)
	out = appendLength(out, len(t.Value))
	return append(out, t.Value...)
}

// FindOptional returns the first TLV with the given class and tag number.
func FindOptional(tlvs []TLV, class Class, tag int) (TLV, bool) {
	for _, tlv := range tlvs {
		if tlv.Class == class && tlv.Tag == tag {
			return tlv, true
		}
	}
	return TLV{}, false
}

// Choose implements CHOICE selection: tags are tried in order and the first
// TLV carrying one of them is returned, regardless of class.
func Choose(tlvs []TLV, tags ...int) (TLV, error) {
	for _, tag := range tags {
		for _, tlv := range tlvs {
			if tlv.Tag == tag {
				return tlv, nil
			}
		}
	}
	return TLV{}, amhserrors.NewDecodeError("ber", -1, fmt.Sprintf("no CHOICE arm found for tags %v", tags))
}

func decodeAt(data []byte, offset int) (TLV, int, error) {
	if offset >= len(data) {
		return TLV{}, 0, amhserrors.NewDecodeError("ber", offset, "missing ASN.1 BER tag")
	}

	index := offset
	first := data[index]
	index++

	class := Class(first >> 6 & 0x03)
	constructed := first&0x20 != 0
	tag := int(first & highTagNumberMarker)

	if tag == highTagNumberMarker {
		tag = 0
		for {
			if index >= len(data) {
				return TLV{}, 0, amhserrors.NewDecodeError("ber", index, "truncated high-tag-number form")
			}
			octet := data[index]
			index++
			if tag > (1<<24)-1 {
				return TLV{}, 0, amhserrors.NewDecodeError("ber", index, "tag number too large")
			}
			tag = tag<<7 | int(octet&0x7F)
			if octet&0x80 == 0 {
				break
			}
		}
	}

	if index >= len(data) {
		return TLV{}, 0, amhserrors.NewDecodeError("ber", index, "missing ASN.1 BER length")
	}

	lengthOctet := data[index]
	index++

	var length int
	if lengthOctet&0x80 == 0 {
		length = int(lengthOctet)
	} else {
		count := int(lengthOctet & 0x7F)
		if count == 0 {
			return TLV{}, 0, amhserrors.WrapDecodeError("ber", index-1, "indefinite BER length is not supported", amhserrors.ErrIndefiniteLength)
		}
		if count > maxLengthOctets {
			return TLV{}, 0, amhserrors.NewDecodeError("ber", index-1, "BER length too large")
		}
		if index+count > len(data) {
			return TLV{}, 0, amhserrors.NewDecodeError("ber", index, "truncated BER length")
		}
		var value uint64
		for i := 0; i < count; i++ {
			value = value<<8 | uint64(data[index])
			index++
		}
		if value > uint64(len(data)) {
			return TLV{}, 0, amhserrors.NewDecodeError("ber", index, "BER value length exceeds available bytes")
		}
		length = int(value)
	}

	if index+length > len(data) {
		return TLV{}, 0, amhserrors.NewDecodeError("ber", index, "BER value length exceeds available bytes")
	}

	value := make([]byte, length)
	copy(value, data[index:index+length])

	return TLV{
		Class:       class,
		Constructed: constructed,
		Tag:         tag,
		Value:       value,
	}, index + length - offset, nil
}

func appendTag(out []byte, class Class, constructed bool, tag int) []byte {
	first := byte(class&0x03) << 6
	if constructed {
		first |= 0x20
	}
	if tag < highTagNumberMarker {
		return append(out, first|byte(tag))
	}

	out = append(out, first|highTagNumberMarker)
	var chunks [5]byte
	n := 0
	for v := tag; ; v >>= 7 {
		chunks[n] = byte(v & 0x7F)
		n++
		if v < 0x80 {
			break
		}
	}
	for i := n - 1; i >= 0; i-- {
		octet := chunks[i]
		if i != 0 {
			octet |= 0x80
		}
		out = append(out, octet)
	}
	return out
}

func appendLength(out []byte, length int) []byte {
	if length < 0x80 {
		return append(out, byte(length))
	}

	var buf [maxLengthOctets]byte
	n := 0
	for v := length; v > 0; v >>= 8 {
		buf[n] = byte(v)
		n++
	}
	out = append(out, 0x80|byte(n))
	for i := n - 1; i >= 0; i-- {
		out = append(out, buf[i])
	}
	return out
}
