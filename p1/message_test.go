package p1

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/amhsnet/ber"
	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/types"
)

func sequence(fields ...ber.TLV) []byte {
	return ber.Encode(ber.Constructed(ber.ClassUniversal, ber.TagSequence, fields...))
}

func TestParseMessageBasicFields(t *testing.T) {
	payload := sequence(
		ber.ContextPrimitive(0, []byte("LIRRZQZX")),
		ber.ContextPrimitive(1, []byte("LIIRZQZX")),
		ber.ContextPrimitive(2, []byte("METAR LIRF 281230Z")),
		ber.ContextPrimitive(3, []byte{2}),
		ber.ContextPrimitive(4, []byte{0}),
		ber.ContextPrimitive(5, []byte("weather")),
		ber.ContextPrimitive(6, []byte("MSG-1")),
		ber.ContextPrimitive(7, []byte("260228123045Z")),
	)

	msg, err := ParseMessage(payload)
	require.NoError(t, err)

	assert.Equal(t, "LIRRZQZX", msg.From)
	assert.Equal(t, "LIIRZQZX", msg.To)
	assert.Equal(t, "METAR LIRF 281230Z", msg.Body)
	assert.Equal(t, types.ProfileP7, msg.Profile)
	assert.Equal(t, types.PrioritySS, msg.Priority)
	assert.Equal(t, "weather", msg.Subject)
	assert.Equal(t, "MSG-1", msg.MessageID)
	assert.Equal(t, time.Date(2026, 2, 28, 12, 30, 45, 0, time.UTC), msg.FilingTime)
}

func TestParseMessageDefaults(t *testing.T) {
	msg, err := ParseMessage(sequence(
		ber.ContextPrimitive(0, []byte("A")),
		ber.ContextPrimitive(1, []byte("B")),
		ber.ContextPrimitive(2, []byte("body")),
	))
	require.NoError(t, err)

	assert.Equal(t, types.ProfileP1, msg.Profile)
	assert.Equal(t, types.PriorityGG, msg.Priority)
	assert.Empty(t, msg.Subject)
	assert.Empty(t, msg.MessageID)
	assert.True(t, msg.FilingTime.IsZero())
	assert.Nil(t, msg.Envelope.MTSIdentifier)
}

func TestParseMessagePrefersGeneralizedTime(t *testing.T) {
	msg, err := ParseMessage(sequence(
		ber.ContextPrimitive(0, []byte("A")),
		ber.ContextPrimitive(1, []byte("B")),
		ber.ContextPrimitive(2, []byte("body")),
		ber.ContextPrimitive(7, []byte("260101000000Z")),
		ber.ContextPrimitive(8, []byte("20260228123045Z")),
	))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 12, 30, 45, 0, time.UTC), msg.FilingTime)
}

func TestParseMessageFailures(t *testing.T) {
	from := ber.ContextPrimitive(0, []byte("A"))
	to := ber.ContextPrimitive(1, []byte("B"))
	body := ber.ContextPrimitive(2, []byte("body"))

	tests := []struct {
		name    string
		payload []byte
		message string
	}{
		{"missing from", sequence(to, body), "Missing BER field 'from'"},
		{"missing to", sequence(from, body), "Missing BER field 'to'"},
		{"missing body", sequence(from, to), "Missing BER field 'body'"},
		{"bad profile", sequence(from, to, body, ber.ContextPrimitive(3, []byte{5})), "Unsupported BER profile value: 5"},
		{"bad priority", sequence(from, to, body, ber.ContextPrimitive(4, []byte{9})), "Unsupported BER priority value: 9"},
		{"five octet enum", sequence(from, to, body, ber.ContextPrimitive(3, []byte{0, 0, 0, 0, 1})), "INTEGER/ENUMERATED"},
		{"bad time", sequence(from, to, body, ber.ContextPrimitive(8, []byte("yesterday"))), "invalid BER filing time"},
		{"not a sequence", ber.Encode(ber.Constructed(ber.ClassUniversal, ber.TagSet, from)), "must be a SEQUENCE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage(tt.payload)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestParseMessageEnvelopeOverrides(t *testing.T) {
	envelope := ber.ContextConstructed(9,
		ber.ContextConstructed(0,
			ber.ContextPrimitive(0, []byte("MTS-42")),
			ber.ContextPrimitive(8, []byte("20260301080000Z")),
		),
		ber.ContextConstructed(1,
			ber.ContextConstructed(0,
				ber.ContextPrimitive(0, []byte("LIIRZQZX")),
				ber.ContextPrimitive(1, []byte{1}),
				ber.ContextPrimitive(2, []byte{0x01, 0x00}),
				ber.ContextConstructed(3, ber.Primitive(ber.ClassUniversal, ber.TagUTF8String, []byte("ext-1"))),
			),
			ber.ContextConstructed(0),
		),
		ber.ContextConstructed(2,
			ber.Constructed(ber.ClassUniversal, ber.TagSequence, ber.ContextPrimitive(0, []byte("HOP-A"))),
			ber.Primitive(ber.ClassUniversal, ber.TagOctetString, []byte{0xCA, 0xFE}),
		),
		ber.ContextConstructed(3, ber.Primitive(ber.ClassUniversal, ber.TagOID, ber.MustEncodeOID("2.6.1.4.0"))),
		ber.ContextPrimitive(4, []byte("/c=IT/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIRRZQZX")),
		ber.ContextConstructed(5, ber.ContextPrimitive(0, []byte("RESTRICTED"))),
		ber.ContextConstructed(6),
		ber.ContextPrimitive(12, []byte{0x42}),
		ber.ContextConstructed(20, ber.ContextPrimitive(0, []byte("x"))),
	)

	msg, err := ParseMessage(sequence(
		ber.ContextPrimitive(2, []byte("body")),
		ber.ContextPrimitive(6, []byte("IGNORED")),
		envelope,
	))
	require.NoError(t, err)

	assert.Equal(t, "/C=IT/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIRRZQZX", msg.From)
	assert.Equal(t, "LIIRZQZX", msg.To)
	assert.Equal(t, "MTS-42", msg.MessageID)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), msg.FilingTime)

	one, flags := 1, 256
	wantRecipients := []PerRecipientFields{
		{Recipient: "LIIRZQZX", Responsibility: &one, DeliveryFlags: &flags, ExtensionIDs: []string{"ext-1"}},
		{Recipient: "UNKNOWN"},
	}
	if diff := cmp.Diff(wantRecipients, msg.Envelope.PerRecipient); diff != "" {
		t.Errorf("per-recipient mismatch (-want +got):\n%s", diff)
	}

	require.NotNil(t, msg.Envelope.Trace)
	assert.Equal(t, []string{"HOP-A", "CAFE"}, msg.Envelope.Trace.Hops)
	assert.Equal(t, "HOP-A>CAFE", msg.Envelope.Trace.String())
	assert.Equal(t, "2.6.1.4.0", msg.Envelope.ContentType)

	require.NotNil(t, msg.Envelope.Security)
	assert.Equal(t, SecurityParameters{
		Label:        "RESTRICTED",
		Token:        DefaultSecurityToken,
		AlgorithmOID: DefaultAlgorithmOID,
	}, *msg.Envelope.Security)

	require.Equal(t, 2, msg.Envelope.Extensions.Len())
	assert.Equal(t, 12, msg.Envelope.Extensions.Unknown[0].Tag)
	assert.Equal(t, 20, msg.Envelope.Extensions.Unknown[1].Tag)
	assert.Equal(t,
		append(ber.Encode(ber.ContextPrimitive(12, []byte{0x42})),
			ber.Encode(ber.ContextConstructed(20, ber.ContextPrimitive(0, []byte("x"))))...),
		msg.Envelope.Extensions.EncodeAll())
}

func TestParseMessageKeepsUnparseableOriginator(t *testing.T) {
	msg, err := ParseMessage(sequence(
		ber.ContextPrimitive(1, []byte("B")),
		ber.ContextPrimitive(2, []byte("body")),
		ber.ContextConstructed(9, ber.ContextPrimitive(4, []byte("LIRRZQZX"))),
	))
	require.NoError(t, err)
	assert.Equal(t, "LIRRZQZX", msg.From)
}

func TestParseMessageContentTypeMustBeOID(t *testing.T) {
	base := []ber.TLV{
		ber.ContextPrimitive(0, []byte("A")),
		ber.ContextPrimitive(1, []byte("B")),
		ber.ContextPrimitive(2, []byte("body")),
	}

	_, err := ParseMessage(sequence(append(base,
		ber.ContextConstructed(9, ber.ContextConstructed(3, ber.Primitive(ber.ClassUniversal, ber.TagIA5String, []byte("x")))))...))
	assert.True(t, amhserrors.IsDecode(err))

	_, err = ParseMessage(sequence(append(base,
		ber.ContextConstructed(9, ber.ContextPrimitive(3, ber.MustEncodeOID("2.6.1.4.0"))))...))
	assert.Error(t, err, "a context-tagged primitive is not an OBJECT IDENTIFIER")
}

func TestSecurityParametersValidate(t *testing.T) {
	assert.NoError(t, SecurityParameters{Label: "L", Token: "T", AlgorithmOID: "1.2"}.Validate())

	tests := []SecurityParameters{
		{Label: " ", Token: "T", AlgorithmOID: "1.2"},
		{Label: "L", Token: "", AlgorithmOID: "1.2"},
		{Label: "L", Token: "T", AlgorithmOID: "\t"},
	}
	for _, params := range tests {
		err := params.Validate()
		require.Error(t, err)
		assert.True(t, amhserrors.IsValidation(err))
	}

	_, err := ParseMessage(sequence(
		ber.ContextPrimitive(0, []byte("A")),
		ber.ContextPrimitive(1, []byte("B")),
		ber.ContextPrimitive(2, []byte("body")),
		ber.ContextConstructed(9, ber.ContextConstructed(5, ber.ContextPrimitive(1, []byte("  ")))),
	))
	assert.Error(t, err)
}

func TestEncodeMessageRoundTrip(t *testing.T) {
	filed := time.Date(2026, 2, 28, 12, 30, 45, 0, time.UTC)
	in := &types.Message{
		MessageID:     "MSG-7",
		Sender:        "LIRRZQZX",
		Recipient:     "LIIRZQZX",
		Body:          "FPL-ABC123",
		Subject:       "flight plan",
		Profile:       types.ProfileP3,
		Priority:      types.PriorityFF,
		FilingTime:    filed,
		TransferTrace: "MTA-A@ENAV[2026-02-28T12:30:45Z]>MTA-B@ENAV[2026-02-28T12:31:00Z]",
	}

	msg, err := ParseMessage(EncodeMessage(in))
	require.NoError(t, err)

	assert.Equal(t, "LIRRZQZX", msg.From)
	assert.Equal(t, "LIIRZQZX", msg.To)
	assert.Equal(t, "FPL-ABC123", msg.Body)
	assert.Equal(t, "flight plan", msg.Subject)
	assert.Equal(t, types.ProfileP3, msg.Profile)
	assert.Equal(t, types.PriorityFF, msg.Priority)
	assert.Equal(t, "MSG-7", msg.MessageID)
	assert.Equal(t, filed, msg.FilingTime)
	assert.Equal(t, in.TransferTrace, msg.Envelope.Trace.String())
}

func TestEncodeMessageUsesMTSIdentifier(t *testing.T) {
	in := &types.Message{
		MessageID:     "MSG-7",
		MTSIdentifier: "MTS-7",
		Sender:        "A",
		Recipient:     "B",
		Body:          "x",
	}

	msg, err := ParseMessage(EncodeMessage(in))
	require.NoError(t, err)

	require.NotNil(t, msg.Envelope.MTSIdentifier)
	assert.Equal(t, "MTS-7", msg.Envelope.MTSIdentifier.LocalIdentifier)
	assert.Equal(t, "MTS-7", msg.MessageID)
	assert.Equal(t, types.ProfileP1, msg.Profile)
	assert.Equal(t, types.PriorityGG, msg.Priority)
	assert.Nil(t, msg.Envelope.Trace)
}
