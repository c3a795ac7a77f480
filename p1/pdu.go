// Package p1 implements the X.411 P1 association protocol used between
// AMHS message transfer agents, and the P1 message body codec.
package p1

import (
	"fmt"

	"github.com/caio-sobreiro/amhsnet/ber"
	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
)

// AbstractSyntaxOID is the ICAO AMHS P1 abstract syntax a Bind must carry
const AbstractSyntaxOID = "2.6.0.1.6.1"

// ProtocolVersion is the only P1 protocol version accepted on Bind
const ProtocolVersion = 1

// Kind identifies an association PDU variant. Values are the outer
// context-specific tag numbers.
type Kind int

const (
	KindBind           Kind = 0
	KindTransfer       Kind = 1
	KindRelease        Kind = 2
	KindAbort          Kind = 3
	KindError          Kind = 4
	KindBindResult     Kind = 10
	KindReleaseResult  Kind = 11
	KindTransferResult Kind = 12
)

// String returns a human-readable name for the PDU kind
func (k Kind) String() string {
	switch k {
	case KindBind:
		return "Bind"
	case KindTransfer:
		return "Transfer"
	case KindRelease:
		return "Release"
	case KindAbort:
		return "Abort"
	case KindError:
		return "Error"
	case KindBindResult:
		return "BindResult"
	case KindReleaseResult:
		return "ReleaseResult"
	case KindTransferResult:
		return "TransferResult"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Bind field tags
const (
	bindCallingMTA          = 0
	bindCalledMTA           = 1
	bindAbstractSyntax      = 2
	bindProtocolVersion     = 3
	bindAuthentication      = 4
	bindSecurity            = 5
	bindMTSAPDU             = 6
	bindPresentationContext = 7
)

// PDU is one of the association PDU variants below.
type PDU interface {
	Kind() Kind
	isPDU()
}

// Bind opens a P1 association.
type Bind struct {
	CallingMTA                 string
	CalledMTA                  string
	AbstractSyntaxOID          string
	ProtocolVersion            int
	Authentication             string
	Security                   string
	MTSAPDUPresent             bool
	PresentationContextPresent bool
}

// BindResult answers a Bind.
type BindResult struct {
	Accepted   bool
	Diagnostic string
}

// Transfer carries an encoded P1 message body.
type Transfer struct {
	Payload []byte
}

// RecipientResult is the per-recipient part of a TransferResult.
// Status is an opaque code in 0..255.
type RecipientResult struct {
	Address    string
	Status     int
	Diagnostic string
}

// TransferResult answers a Transfer.
type TransferResult struct {
	Accepted         bool
	Diagnostic       string
	MTSIdentifier    string
	RecipientResults []RecipientResult
}

// Release closes the association.
type Release struct{}

// ReleaseResult answers a Release.
type ReleaseResult struct{}

// Abort tears down the association immediately.
type Abort struct {
	Diagnostic string
}

// Error reports a protocol error.
type Error struct {
	Code       string
	Diagnostic string
}

func (*Bind) Kind() Kind           { return KindBind }
func (*BindResult) Kind() Kind     { return KindBindResult }
func (*Transfer) Kind() Kind       { return KindTransfer }
func (*TransferResult) Kind() Kind { return KindTransferResult }
func (*Release) Kind() Kind        { return KindRelease }
func (*ReleaseResult) Kind() Kind  { return KindReleaseResult }
func (*Abort) Kind() Kind          { return KindAbort }
func (*Error) Kind() Kind          { return KindError }

func (*Bind) isPDU()           {}
func (*BindResult) isPDU()     {}
func (*Transfer) isPDU()       {}
func (*TransferResult) isPDU() {}
func (*Release) isPDU()        {}
func (*ReleaseResult) isPDU()  {}
func (*Abort) isPDU()          {}
func (*Error) isPDU()          {}

// Decode parses a single association PDU. The payload must hold exactly one
// context-specific constructed TLV.
func Decode(payload []byte) (PDU, error) {
	outer, err := ber.DecodeSingle(payload)
	if err != nil {
		return nil, err
	}
	if !outer.IsContextSpecific() || !outer.Constructed {
		return nil, decodeError("P1 association PDU must use context-specific constructed tags")
	}

	switch Kind(outer.Tag) {
	case KindBind:
		return decodeBind(outer.Value)
	case KindTransfer:
		return &Transfer{Payload: outer.Value}, nil
	case KindRelease:
		return &Release{}, nil
	case KindAbort:
		diagnostic, err := ber.DecodeUTF8(outer.Value)
		if err != nil {
			return nil, err
		}
		return &Abort{Diagnostic: diagnostic}, nil
	case KindError:
		return decodeErrorPDU(outer.Value)
	case KindBindResult:
		return decodeBindResult(outer.Value)
	case KindReleaseResult:
		return &ReleaseResult{}, nil
	case KindTransferResult:
		return decodeTransferResult(outer.Value)
	default:
		return nil, amhserrors.WrapDecodeError("p1", -1,
			fmt.Sprintf("unsupported P1 association PDU tag [%d]", outer.Tag), amhserrors.ErrUnknownPDU)
	}
}

func decodeBind(value []byte) (*Bind, error) {
	fields, err := ber.DecodeAll(value)
	if err != nil {
		return nil, err
	}

	bind := &Bind{}
	if bind.CallingMTA, err = optionalIA5(fields, bindCallingMTA); err != nil {
		return nil, err
	}
	if bind.CalledMTA, err = optionalIA5(fields, bindCalledMTA); err != nil {
		return nil, err
	}

	syntax, ok := ber.FindOptional(fields, ber.ClassContextSpecific, bindAbstractSyntax)
	if !ok {
		return nil, decodeError("P1 bind does not include abstract syntax")
	}
	oid, err := ber.DecodeOIDTLV(syntax)
	if err != nil {
		return nil, amhserrors.WrapDecodeError("p1", -1, "P1 bind abstract syntax must be OBJECT IDENTIFIER", err)
	}
	if oid != AbstractSyntaxOID {
		return nil, decodeError("unsupported P1 abstract syntax OID " + oid)
	}
	bind.AbstractSyntaxOID = oid

	version, ok := ber.FindOptional(fields, ber.ClassContextSpecific, bindProtocolVersion)
	if !ok {
		return nil, decodeError("P1 bind does not include protocol version")
	}
	if len(version.Value) != 1 || version.Value[0] != ProtocolVersion {
		return nil, decodeError(fmt.Sprintf("unsupported P1 protocol version % X", version.Value))
	}
	bind.ProtocolVersion = ProtocolVersion

	if bind.Authentication, err = optionalUTF8(fields, bindAuthentication); err != nil {
		return nil, err
	}
	if bind.Security, err = optionalUTF8(fields, bindSecurity); err != nil {
		return nil, err
	}

	_, bind.MTSAPDUPresent = ber.FindOptional(fields, ber.ClassContextSpecific, bindMTSAPDU)
	if !bind.MTSAPDUPresent {
		return nil, decodeError("P1 bind does not include MTS-APDU")
	}
	_, bind.PresentationContextPresent = ber.FindOptional(fields, ber.ClassContextSpecific, bindPresentationContext)
	if !bind.PresentationContextPresent {
		return nil, decodeError("P1 bind does not include presentation context")
	}

	return bind, nil
}

func decodeBindResult(value []byte) (*BindResult, error) {
	fields, err := ber.DecodeAll(value)
	if err != nil {
		return nil, err
	}
	result := &BindResult{Accepted: optionalBool(fields, 0)}
	if result.Diagnostic, err = optionalUTF8(fields, 1); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeErrorPDU(value []byte) (*Error, error) {
	fields, err := ber.DecodeAll(value)
	if err != nil {
		return nil, err
	}
	code, err := optionalIA5(fields, 0)
	if err != nil {
		return nil, err
	}
	if code == "" {
		code = "UNSPECIFIED"
	}
	diagnostic, err := optionalUTF8(fields, 1)
	if err != nil {
		return nil, err
	}
	return &Error{Code: code, Diagnostic: diagnostic}, nil
}

func decodeTransferResult(value []byte) (*TransferResult, error) {
	fields, err := ber.DecodeAll(value)
	if err != nil {
		return nil, err
	}

	result := &TransferResult{Accepted: optionalBool(fields, 0)}
	if result.Diagnostic, err = optionalUTF8(fields, 1); err != nil {
		return nil, err
	}
	if result.MTSIdentifier, err = optionalIA5(fields, 2); err != nil {
		return nil, err
	}

	list, ok := ber.FindOptional(fields, ber.ClassContextSpecific, 3)
	if !ok || !list.Constructed {
		return result, nil
	}
	entries, err := list.Children()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.Constructed {
			continue
		}
		recipient, err := decodeRecipientResult(entry)
		if err != nil {
			return nil, err
		}
		result.RecipientResults = append(result.RecipientResults, recipient)
	}
	return result, nil
}

func decodeRecipientResult(entry ber.TLV) (RecipientResult, error) {
	fields, err := entry.Children()
	if err != nil {
		return RecipientResult{}, err
	}

	var recipient RecipientResult
	if recipient.Address, err = optionalIA5(fields, 0); err != nil {
		return RecipientResult{}, err
	}
	if status, ok := ber.FindOptional(fields, ber.ClassContextSpecific, 1); ok {
		n, err := ber.DecodeUnsigned(status.Value)
		if err != nil {
			return RecipientResult{}, err
		}
		if n > 255 {
			return RecipientResult{}, decodeError(fmt.Sprintf("recipient status %d out of range", n))
		}
		recipient.Status = n
	}
	if recipient.Diagnostic, err = optionalUTF8(fields, 2); err != nil {
		return RecipientResult{}, err
	}
	return recipient, nil
}

// Encode serializes any association PDU.
func Encode(pdu PDU) ([]byte, error) {
	switch p := pdu.(type) {
	case *Bind:
		return EncodeBind(p), nil
	case *BindResult:
		return EncodeBindResult(p.Accepted, p.Diagnostic), nil
	case *Transfer:
		return EncodeTransfer(p.Payload), nil
	case *TransferResult:
		return EncodeTransferResult(p), nil
	case *Release:
		return EncodeRelease(), nil
	case *ReleaseResult:
		return EncodeReleaseResult(), nil
	case *Abort:
		return EncodeAbort(p.Diagnostic), nil
	case *Error:
		return EncodeError(p.Code, p.Diagnostic), nil
	default:
		return nil, fmt.Errorf("p1: cannot encode %T", pdu)
	}
}

// EncodeBind builds a Bind. The abstract syntax, protocol version and both
// mandatory containers are always written; the caller only supplies the
// MTA names and optional authentication and security parameters.
func EncodeBind(b *Bind) []byte {
	var fields []ber.TLV
	if b.CallingMTA != "" {
		fields = append(fields, ber.ContextPrimitive(bindCallingMTA, []byte(b.CallingMTA)))
	}
	if b.CalledMTA != "" {
		fields = append(fields, ber.ContextPrimitive(bindCalledMTA, []byte(b.CalledMTA)))
	}
	oid := ber.Primitive(ber.ClassUniversal, ber.TagOID, ber.MustEncodeOID(AbstractSyntaxOID))
	fields = append(fields,
		ber.ContextConstructed(bindAbstractSyntax, oid),
		ber.ContextPrimitive(bindProtocolVersion, []byte{ProtocolVersion}),
	)
	if b.Authentication != "" {
		fields = append(fields, ber.ContextPrimitive(bindAuthentication, []byte(b.Authentication)))
	}
	if b.Security != "" {
		fields = append(fields, ber.ContextPrimitive(bindSecurity, []byte(b.Security)))
	}
	fields = append(fields,
		ber.ContextConstructed(bindMTSAPDU),
		ber.ContextConstructed(bindPresentationContext, ber.ContextPrimitive(0, []byte{1})),
	)
	return ber.Encode(ber.ContextConstructed(int(KindBind), fields...))
}

// EncodeBindResult builds a BindResult.
func EncodeBindResult(accepted bool, diagnostic string) []byte {
	return ber.Encode(ber.ContextConstructed(int(KindBindResult),
		ber.ContextPrimitive(0, boolOctet(accepted)),
		ber.ContextPrimitive(1, []byte(diagnostic)),
	))
}

// EncodeTransfer wraps an encoded P1 message body in a Transfer PDU.
func EncodeTransfer(message []byte) []byte {
	return ber.Encode(ber.TLV{
		Class:       ber.ClassContextSpecific,
		Constructed: true,
		Tag:         int(KindTransfer),
		Value:       message,
	})
}

// EncodeTransferResult builds a TransferResult.
func EncodeTransferResult(r *TransferResult) []byte {
	fields := []ber.TLV{
		ber.ContextPrimitive(0, boolOctet(r.Accepted)),
		ber.ContextPrimitive(1, []byte(r.Diagnostic)),
	}
	if r.MTSIdentifier != "" {
		fields = append(fields, ber.ContextPrimitive(2, []byte(r.MTSIdentifier)))
	}
	if len(r.RecipientResults) > 0 {
		entries := make([]ber.TLV, 0, len(r.RecipientResults))
		for _, recipient := range r.RecipientResults {
			entry := []ber.TLV{
				ber.ContextPrimitive(0, []byte(recipient.Address)),
				ber.ContextPrimitive(1, ber.EncodeUnsigned(recipient.Status&0xFF)),
			}
			if recipient.Diagnostic != "" {
				entry = append(entry, ber.ContextPrimitive(2, []byte(recipient.Diagnostic)))
			}
			entries = append(entries, ber.Constructed(ber.ClassUniversal, ber.TagSequence, entry...))
		}
		fields = append(fields, ber.ContextConstructed(3, entries...))
	}
	return ber.Encode(ber.ContextConstructed(int(KindTransferResult), fields...))
}

// EncodeRelease builds a Release.
func EncodeRelease() []byte {
	return ber.Encode(ber.ContextConstructed(int(KindRelease)))
}

// EncodeReleaseResult builds a ReleaseResult.
func EncodeReleaseResult() []byte {
	return ber.Encode(ber.ContextConstructed(int(KindReleaseResult)))
}

// EncodeAbort builds an Abort whose value is the raw UTF-8 diagnostic.
func EncodeAbort(diagnostic string) []byte {
	return ber.Encode(ber.TLV{
		Class:       ber.ClassContextSpecific,
		Constructed: true,
		Tag:         int(KindAbort),
		Value:       []byte(diagnostic),
	})
}

// EncodeError builds an Error PDU.
func EncodeError(code, diagnostic string) []byte {
	return ber.Encode(ber.ContextConstructed(int(KindError),
		ber.ContextPrimitive(0, []byte(code)),
		ber.ContextPrimitive(1, []byte(diagnostic)),
	))
}

func optionalIA5(fields []ber.TLV, tag int) (string, error) {
	tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, tag)
	if !ok {
		return "", nil
	}
	return ber.DecodeIA5(tlv.Value)
}

func optionalUTF8(fields []ber.TLV, tag int) (string, error) {
	tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, tag)
	if !ok {
		return "", nil
	}
	return ber.DecodeUTF8(tlv.Value)
}

func optionalBool(fields []ber.TLV, tag int) bool {
	tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, tag)
	return ok && len(tlv.Value) > 0 && tlv.Value[0] != 0
}

func boolOctet(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func decodeError(msg string) error {
	return amhserrors.NewDecodeError("p1", -1, msg)
}
