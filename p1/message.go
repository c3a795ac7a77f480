package p1

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caio-sobreiro/amhsnet/ber"
	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/oraddr"
	"github.com/caio-sobreiro/amhsnet/types"
)

// Message body field tags
const (
	fieldFrom            = 0
	fieldTo              = 1
	fieldBody            = 2
	fieldProfile         = 3
	fieldPriority        = 4
	fieldSubject         = 5
	fieldMessageID       = 6
	fieldUTCTime         = 7
	fieldGeneralizedTime = 8
	fieldEnvelope        = 9
)

// TransferEnvelope field tags
const (
	envelopeMTSIdentifier = 0
	envelopePerRecipient  = 1
	envelopeTrace         = 2
	envelopeContentType   = 3
	envelopeOriginator    = 4
	envelopeSecurity      = 5
	envelopeExtensions    = 6
)

// Security parameter defaults applied when a field is absent
const (
	DefaultSecurityLabel = "UNCLASSIFIED"
	DefaultSecurityToken = "NONE"
	DefaultAlgorithmOID  = "1.2.840.113549.1.1.1"
)

// TraceSeparator joins trace hops in the stored transfer trace
const TraceSeparator = ">"

// Message is a decoded P1 message body.
type Message struct {
	From      string
	To        string
	Body      string
	Profile   types.Profile
	Priority  types.Priority
	Subject   string
	MessageID string
	// FilingTime is zero when neither the body nor the envelope carries one.
	FilingTime time.Time
	Envelope   TransferEnvelope
}

// TransferEnvelope holds the X.411 envelope fields carried in tag [9].
type TransferEnvelope struct {
	MTSIdentifier *MTSIdentifier
	PerRecipient  []PerRecipientFields
	Trace         *TraceInformation
	ContentType   string
	Originator    string
	Security      *SecurityParameters
	Extensions    ExtensionContainer
}

// PrimaryRecipient returns the first per-recipient entry, if any
func (e TransferEnvelope) PrimaryRecipient() (string, bool) {
	if len(e.PerRecipient) == 0 {
		return "", false
	}
	return e.PerRecipient[0].Recipient, true
}

// MTSIdentifier is the envelope's message transfer identifier.
type MTSIdentifier struct {
	LocalIdentifier string
	FilingTime      time.Time
}

// PerRecipientFields describes one envelope recipient.
type PerRecipientFields struct {
	Recipient      string
	Responsibility *int
	DeliveryFlags  *int
	ExtensionIDs   []string
}

// TraceInformation lists the MTAs a message has crossed.
type TraceInformation struct {
	Hops []string
}

// String joins the hops into the stored trace form
func (t *TraceInformation) String() string {
	if t == nil {
		return ""
	}
	return strings.Join(t.Hops, TraceSeparator)
}

// SecurityParameters is the envelope security element.
type SecurityParameters struct {
	Label        string
	Token        string
	AlgorithmOID string
}

// Validate checks that every security parameter is non-blank
func (s SecurityParameters) Validate() error {
	if strings.TrimSpace(s.Label) == "" {
		return amhserrors.NewValidationError("security_label", "Security label is required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return amhserrors.NewValidationError("security_token", "Security token is required")
	}
	if strings.TrimSpace(s.AlgorithmOID) == "" {
		return amhserrors.NewValidationError("security_algorithm", "Security algorithm OID is required")
	}
	return nil
}

// ExtensionContainer keeps envelope elements this codec does not
// understand so they can be forwarded untouched.
type ExtensionContainer struct {
	Unknown []ber.TLV
}

// Add records an unrecognised element
func (c *ExtensionContainer) Add(t ber.TLV) {
	c.Unknown = append(c.Unknown, t)
}

// Len returns the number of preserved elements
func (c *ExtensionContainer) Len() int {
	return len(c.Unknown)
}

// EncodeAll re-encodes every preserved element in arrival order.
func (c *ExtensionContainer) EncodeAll() []byte {
	var out []byte
	for _, t := range c.Unknown {
		out = append(out, ber.Encode(t)...)
	}
	return out
}

// ParseMessage decodes a P1 message body. The payload must hold one
// universal SEQUENCE; envelope values take precedence over the body fields
// they duplicate.
func ParseMessage(payload []byte) (*Message, error) {
	root, err := ber.DecodeSingle(payload)
	if err != nil {
		return nil, err
	}
	if !root.IsUniversal() || root.Tag != ber.TagSequence || !root.Constructed {
		return nil, decodeError("P1 BER payload must be a SEQUENCE")
	}
	fields, err := root.Children()
	if err != nil {
		return nil, err
	}

	msg := &Message{}
	if envelope, ok := ber.FindOptional(fields, ber.ClassContextSpecific, fieldEnvelope); ok && envelope.Constructed {
		if err := parseEnvelope(envelope, &msg.Envelope); err != nil {
			return nil, err
		}
	}

	if originator := msg.Envelope.Originator; originator != "" {
		msg.From = mapOriginator(originator)
	} else if msg.From, err = requiredIA5(fields, fieldFrom, "from"); err != nil {
		return nil, err
	}

	if recipient, ok := msg.Envelope.PrimaryRecipient(); ok {
		msg.To = recipient
	} else if msg.To, err = requiredIA5(fields, fieldTo, "to"); err != nil {
		return nil, err
	}

	if msg.Body, err = requiredUTF8(fields, fieldBody, "body"); err != nil {
		return nil, err
	}

	profile, err := optionalEnumerated(fields, fieldProfile, types.ProfileP1.Value())
	if err != nil {
		return nil, err
	}
	if msg.Profile, err = types.ProfileFromValue(profile); err != nil {
		return nil, decodeError(fmt.Sprintf("Unsupported BER profile value: %d", profile))
	}

	priority, err := optionalEnumerated(fields, fieldPriority, types.PriorityGG.Weight())
	if err != nil {
		return nil, err
	}
	if msg.Priority, err = types.PriorityFromWeight(priority); err != nil {
		return nil, decodeError(fmt.Sprintf("Unsupported BER priority value: %d", priority))
	}

	if msg.Subject, err = optionalUTF8(fields, fieldSubject); err != nil {
		return nil, err
	}

	mts := msg.Envelope.MTSIdentifier
	if mts != nil && mts.LocalIdentifier != "" {
		msg.MessageID = mts.LocalIdentifier
	} else if msg.MessageID, err = optionalIA5(fields, fieldMessageID); err != nil {
		return nil, err
	}

	if mts != nil && !mts.FilingTime.IsZero() {
		msg.FilingTime = mts.FilingTime
	} else if msg.FilingTime, err = optionalFilingTime(fields); err != nil {
		return nil, err
	}

	return msg, nil
}

func parseEnvelope(envelope ber.TLV, out *TransferEnvelope) error {
	fields, err := envelope.Children()
	if err != nil {
		return err
	}

	if tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, envelopeMTSIdentifier); ok && tlv.Constructed {
		mts, err := parseMTSIdentifier(tlv)
		if err != nil {
			return err
		}
		out.MTSIdentifier = mts
	}

	if tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, envelopePerRecipient); ok && tlv.Constructed {
		if out.PerRecipient, err = parsePerRecipient(tlv); err != nil {
			return err
		}
	}

	if tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, envelopeTrace); ok && tlv.Constructed {
		if out.Trace, err = parseTrace(tlv); err != nil {
			return err
		}
	}

	if tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, envelopeContentType); ok {
		if out.ContentType, err = parseContentType(tlv); err != nil {
			return err
		}
	}

	if out.Originator, err = optionalIA5(fields, envelopeOriginator); err != nil {
		return err
	}

	if tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, envelopeSecurity); ok && tlv.Constructed {
		if out.Security, err = parseSecurity(tlv); err != nil {
			return err
		}
	}

	for _, tlv := range fields {
		if tlv.IsContextSpecific() && tlv.Tag > envelopeExtensions {
			out.Extensions.Add(tlv)
		}
	}
	return nil
}

func parseMTSIdentifier(tlv ber.TLV) (*MTSIdentifier, error) {
	fields, err := tlv.Children()
	if err != nil {
		return nil, err
	}
	mts := &MTSIdentifier{}
	if mts.LocalIdentifier, err = optionalIA5(fields, 0); err != nil {
		return nil, err
	}
	if mts.FilingTime, err = optionalFilingTime(fields); err != nil {
		return nil, err
	}
	return mts, nil
}

func parsePerRecipient(tlv ber.TLV) ([]PerRecipientFields, error) {
	entries, err := tlv.Children()
	if err != nil {
		return nil, err
	}

	var result []PerRecipientFields
	for _, entry := range entries {
		if !entry.Constructed {
			continue
		}
		fields, err := entry.Children()
		if err != nil {
			return nil, err
		}

		recipient, err := optionalIA5(fields, 0)
		if err != nil {
			return nil, err
		}
		if recipient == "" {
			recipient = "UNKNOWN"
		}
		prf := PerRecipientFields{Recipient: recipient}
		if prf.Responsibility, err = optionalInteger(fields, 1); err != nil {
			return nil, err
		}
		if prf.DeliveryFlags, err = optionalInteger(fields, 2); err != nil {
			return nil, err
		}
		if list, ok := ber.FindOptional(fields, ber.ClassContextSpecific, 3); ok && list.Constructed {
			items, err := list.Children()
			if err != nil {
				return nil, err
			}
			for _, item := range items {
				id, err := ber.DecodeUTF8(item.Value)
				if err != nil {
					return nil, err
				}
				prf.ExtensionIDs = append(prf.ExtensionIDs, id)
			}
		}
		result = append(result, prf)
	}
	return result, nil
}

func parseTrace(tlv ber.TLV) (*TraceInformation, error) {
	hops, err := tlv.Children()
	if err != nil {
		return nil, err
	}

	trace := &TraceInformation{}
	for _, hop := range hops {
		if !hop.Constructed {
			trace.Hops = append(trace.Hops, strings.ToUpper(hex.EncodeToString(hop.Value)))
			continue
		}
		fields, err := hop.Children()
		if err != nil {
			return nil, err
		}
		name, ok := ber.FindOptional(fields, ber.ClassContextSpecific, 0)
		if !ok {
			trace.Hops = append(trace.Hops, strings.ToUpper(hex.EncodeToString(hop.Value)))
			continue
		}
		value, err := ber.DecodeIA5(name.Value)
		if err != nil {
			return nil, err
		}
		trace.Hops = append(trace.Hops, value)
	}
	return trace, nil
}

func parseContentType(tlv ber.TLV) (string, error) {
	source := tlv
	if tlv.Constructed {
		nested, err := tlv.Children()
		if err != nil {
			return "", err
		}
		found := false
		for _, item := range nested {
			if item.IsUniversal() && item.Tag == ber.TagOID {
				source, found = item, true
				break
			}
		}
		if !found {
			return "", decodeError("TransferEnvelope content type does not include an OBJECT IDENTIFIER")
		}
	}
	if !source.IsUniversal() || source.Tag != ber.TagOID {
		return "", decodeError("TransferEnvelope content type must be an OBJECT IDENTIFIER")
	}
	return ber.DecodeOID(source.Value)
}

func parseSecurity(tlv ber.TLV) (*SecurityParameters, error) {
	fields, err := tlv.Children()
	if err != nil {
		return nil, err
	}

	params := &SecurityParameters{
		Label:        DefaultSecurityLabel,
		Token:        DefaultSecurityToken,
		AlgorithmOID: DefaultAlgorithmOID,
	}
	if v, ok := ber.FindOptional(fields, ber.ClassContextSpecific, 0); ok {
		if params.Label, err = ber.DecodeUTF8(v.Value); err != nil {
			return nil, err
		}
	}
	if v, ok := ber.FindOptional(fields, ber.ClassContextSpecific, 1); ok {
		if params.Token, err = ber.DecodeIA5(v.Value); err != nil {
			return nil, err
		}
	}
	if v, ok := ber.FindOptional(fields, ber.ClassContextSpecific, 2); ok {
		if params.AlgorithmOID, err = ber.DecodeIA5(v.Value); err != nil {
			return nil, err
		}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// mapOriginator canonicalises an originator that parses as an O/R address
// and keeps anything else verbatim.
func mapOriginator(originator string) string {
	addr, err := oraddr.Parse(originator)
	if err != nil {
		return originator
	}
	return addr.String()
}

// EncodeMessage builds the P1 message body for an outbound transfer. The
// envelope carries the MTS identifier, the single recipient, the originator
// and, when the message has already crossed other MTAs, its trace.
func EncodeMessage(msg *types.Message) []byte {
	profile := msg.Profile
	if !profile.Valid() {
		profile = types.ProfileP1
	}
	priority := msg.Priority
	if !priority.Valid() {
		priority = types.PriorityGG
	}

	fields := []ber.TLV{
		ber.ContextPrimitive(fieldFrom, []byte(msg.Sender)),
		ber.ContextPrimitive(fieldTo, []byte(msg.Recipient)),
		ber.ContextPrimitive(fieldBody, []byte(msg.Body)),
		ber.ContextPrimitive(fieldProfile, ber.EncodeUnsigned(profile.Value())),
		ber.ContextPrimitive(fieldPriority, ber.EncodeUnsigned(priority.Weight())),
	}
	if s := strings.TrimSpace(msg.Subject); s != "" {
		fields = append(fields, ber.ContextPrimitive(fieldSubject, []byte(s)))
	}
	if id := strings.TrimSpace(msg.MessageID); id != "" {
		fields = append(fields, ber.ContextPrimitive(fieldMessageID, []byte(id)))
	}
	if !msg.FilingTime.IsZero() {
		fields = append(fields, ber.ContextPrimitive(fieldGeneralizedTime, ber.FormatGeneralizedTime(msg.FilingTime)))
	}
	fields = append(fields, encodeEnvelope(msg))

	return ber.Encode(ber.Constructed(ber.ClassUniversal, ber.TagSequence, fields...))
}

func encodeEnvelope(msg *types.Message) ber.TLV {
	var mts []ber.TLV
	if id := strings.TrimSpace(msg.RelayIdentifier()); id != "" {
		mts = append(mts, ber.ContextPrimitive(0, []byte(id)))
	}
	if !msg.FilingTime.IsZero() {
		mts = append(mts, ber.ContextPrimitive(fieldGeneralizedTime, ber.FormatGeneralizedTime(msg.FilingTime)))
	}

	var recipient []ber.TLV
	if r := strings.TrimSpace(msg.Recipient); r != "" {
		recipient = append(recipient, ber.ContextPrimitive(0, []byte(r)))
	}

	fields := []ber.TLV{
		ber.ContextConstructed(envelopeMTSIdentifier, mts...),
		ber.ContextConstructed(envelopePerRecipient, ber.ContextConstructed(0, recipient...)),
	}
	if hops := splitTrace(msg.TransferTrace); len(hops) > 0 {
		entries := make([]ber.TLV, 0, len(hops))
		for _, hop := range hops {
			entries = append(entries, ber.Constructed(ber.ClassUniversal, ber.TagSequence,
				ber.ContextPrimitive(0, []byte(hop))))
		}
		fields = append(fields, ber.ContextConstructed(envelopeTrace, entries...))
	}
	if s := strings.TrimSpace(msg.Sender); s != "" {
		fields = append(fields, ber.ContextPrimitive(envelopeOriginator, []byte(s)))
	}
	return ber.ContextConstructed(fieldEnvelope, fields...)
}

func splitTrace(trace string) []string {
	var hops []string
	for _, hop := range strings.Split(trace, TraceSeparator) {
		if hop = strings.TrimSpace(hop); hop != "" {
			hops = append(hops, hop)
		}
	}
	return hops
}

func requiredIA5(fields []ber.TLV, tag int, name string) (string, error) {
	if _, ok := ber.FindOptional(fields, ber.ClassContextSpecific, tag); !ok {
		return "", missingField(name)
	}
	return optionalIA5(fields, tag)
}

func requiredUTF8(fields []ber.TLV, tag int, name string) (string, error) {
	if _, ok := ber.FindOptional(fields, ber.ClassContextSpecific, tag); !ok {
		return "", missingField(name)
	}
	return optionalUTF8(fields, tag)
}

func optionalEnumerated(fields []ber.TLV, tag, def int) (int, error) {
	tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, tag)
	if !ok {
		return def, nil
	}
	return ber.DecodeUnsigned(tlv.Value)
}

func optionalInteger(fields []ber.TLV, tag int) (*int, error) {
	tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, tag)
	if !ok {
		return nil, nil
	}
	n, err := ber.DecodeUnsigned(tlv.Value)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// optionalFilingTime prefers GeneralizedTime [8] over UTCTime [7].
func optionalFilingTime(fields []ber.TLV) (time.Time, error) {
	if tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, fieldGeneralizedTime); ok {
		return ber.ParseGeneralizedTime(tlv.Value)
	}
	if tlv, ok := ber.FindOptional(fields, ber.ClassContextSpecific, fieldUTCTime); ok {
		return ber.ParseUTCTime(tlv.Value)
	}
	return time.Time{}, nil
}

func missingField(name string) error {
	return decodeError(fmt.Sprintf("Missing BER field '%s'", name))
}
