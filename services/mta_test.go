package services

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/amhsnet/compliance"
	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/queue"
	"github.com/caio-sobreiro/amhsnet/storage/memory"
	"github.com/caio-sobreiro/amhsnet/types"
)

var testNow = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

type mtaHarness struct {
	mta      *MTAService
	store    *memory.MessageStore
	channels *compliance.ChannelService
	clock    *clockwork.FakeClock
}

func newMTAHarness(t *testing.T, opts ...MTAOption) *mtaHarness {
	t.Helper()
	h := &mtaHarness{
		store: memory.NewMessageStore(),
		clock: clockwork.NewFakeClockAt(testNow),
	}
	h.channels = compliance.NewChannelService(memory.NewChannelStore(), 0, nil)
	_, err := h.channels.CreateOrUpdate(context.Background(), compliance.ChannelRequest{
		Name:       types.DefaultChannelName,
		ExpectedCN: "amhs-client-01",
		ExpectedOU: "ATM",
	})
	require.NoError(t, err)

	opts = append([]MTAOption{WithMTAClock(h.clock)}, opts...)
	h.mta = NewMTAService(h.store, compliance.NewValidator(h.channels), opts...)
	return h
}

func validSubmission() Submission {
	return Submission{
		MessageID: "m-1",
		From:      "LIRRZQZX",
		To:        "LIMMZQZX",
		Body:      "TEST MESSAGE",
		Profile:   types.ProfileP3,
	}
}

func TestStoreMessageNormalizes(t *testing.T) {
	h := newMTAHarness(t)
	sub := Submission{
		From:    " lirrzqzx ",
		To:      "/c=it/admd=icao/prmd=enav/o=aftn/ou1=limmzqzx",
		Body:    "  HELLO  ",
		Profile: types.ProfileP3,
		Subject: "  ops  ",
	}

	stored, err := h.mta.StoreMessage(context.Background(), sub)
	require.NoError(t, err)

	assert.NotEmpty(t, stored.MessageID)
	assert.Equal(t, "LIRRZQZX", stored.Sender)
	assert.Equal(t, "/C=IT/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIMMZQZX", stored.Recipient)
	assert.Equal(t, "HELLO", stored.Body)
	assert.Equal(t, "ops", stored.Subject)
	assert.Equal(t, types.PriorityGG, stored.Priority)
	assert.Equal(t, types.DefaultChannelName, stored.ChannelName)
	assert.Equal(t, testNow, stored.FilingTime)
	assert.Equal(t, testNow, stored.ReceivedAt)
	assert.Equal(t, types.StateSubmitted, stored.State)
	assert.Nil(t, stored.DRExpirationAt)

	found, err := h.store.FindByMessageID(context.Background(), stored.MessageID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, stored.Body, found.Body)
}

func TestStoreMessageKeepsProvidedValues(t *testing.T) {
	h := newMTAHarness(t)
	filing := testNow.Add(-time.Hour)
	sub := validSubmission()
	sub.Priority = types.PrioritySS
	sub.FilingTime = filing
	sub.Channel = "atfm"

	stored, err := h.mta.StoreMessage(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "m-1", stored.MessageID)
	assert.Equal(t, types.PrioritySS, stored.Priority)
	assert.Equal(t, filing, stored.FilingTime)
	assert.Equal(t, "ATFM", stored.ChannelName)
}

func TestStoreMessageRejections(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Submission)
		want   string
	}{
		{"empty body", func(s *Submission) { s.Body = " " }, "Invalid AMHS body size"},
		{"bad recipient", func(s *Submission) { s.To = "BAD" }, "AMHS to O/R address is invalid"},
		{"missing profile", func(s *Submission) { s.Profile = "" }, "AMHS profile is mandatory"},
		{"unknown channel", func(s *Submission) { s.Channel = "MET" }, "Unknown AMHS channel: MET"},
		{"certificate mismatch", func(s *Submission) { s.CertificateCN = "intruder"; s.CertificateOU = "ATM" }, "Certificate CN does not match channel policy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMTAHarness(t)
			sub := validSubmission()
			tt.modify(&sub)

			_, err := h.mta.StoreMessage(context.Background(), sub)
			require.Error(t, err)
			assert.True(t, amhserrors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)

			all, err := h.store.FindAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestStoreMessageMatchingCertificate(t *testing.T) {
	h := newMTAHarness(t)
	sub := validSubmission()
	sub.CertificateCN = "AMHS-CLIENT-01"
	sub.CertificateOU = "atm"

	stored, err := h.mta.StoreMessage(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "AMHS-CLIENT-01", stored.CertificateCN)
}

func TestStoreX400Message(t *testing.T) {
	h := newMTAHarness(t)
	sub := X400Submission{
		Submission:          validSubmission(),
		SenderORAddress:     " /C=IT/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIRRZQZX ",
		RecipientORAddress:  "/C=IT/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIMMZQZX",
		PresentationAddress: "mta.enav.it:102",
		IPNRequest:          1,
		DeliveryReport:      "BASIC",
		TimeoutDR:           120,
	}

	stored, err := h.mta.StoreX400Message(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "/C=IT/ADMD=ICAO/PRMD=ENAV/O=AFTN/OU1=LIRRZQZX", stored.SenderORAddress)
	assert.Equal(t, "mta.enav.it:102", stored.PresentationAddress)
	assert.Equal(t, 1, stored.IPNRequest)
	assert.Equal(t, "BASIC", stored.DeliveryReport)
	require.NotNil(t, stored.DRExpirationAt)
	assert.Equal(t, testNow.Add(120*time.Second), *stored.DRExpirationAt)
}

func TestDatabaseDisabledSkipsValidationAndStorage(t *testing.T) {
	h := newMTAHarness(t, WithDatabaseEnabled(false))
	assert.False(t, h.mta.DatabaseEnabled())

	sub := validSubmission()
	sub.Body = ""
	msg, err := h.mta.StoreMessage(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.MessageID)

	all, err := h.store.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAdmitThroughQueue(t *testing.T) {
	q := queue.New(nil)
	defer q.Close()
	h := newMTAHarness(t, WithQueue(q))

	stored, err := h.mta.Admit(context.Background(), &types.Message{
		MessageID: "q-1",
		Sender:    "LIRRZQZX",
		Recipient: "LIMMZQZX",
		Body:      "QUEUED",
		Profile:   types.ProfileP1,
		Priority:  types.PriorityDD,
	})
	require.NoError(t, err)
	assert.Equal(t, types.PriorityDD, stored.Priority)

	_, err = h.mta.Admit(context.Background(), &types.Message{MessageID: "q-2", Profile: types.ProfileP1})
	assert.True(t, amhserrors.IsValidation(err))

	q.Close()
	_, err = h.mta.Admit(context.Background(), &types.Message{MessageID: "q-3"})
	assert.ErrorIs(t, err, amhserrors.ErrQueueClosed)
}

func TestFindByFilters(t *testing.T) {
	h := newMTAHarness(t)
	_, err := h.mta.StoreMessage(context.Background(), validSubmission())
	require.NoError(t, err)

	msgs, err := h.mta.FindByFilters(context.Background(), " atfm ", types.ProfileP3)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	msgs, err = h.mta.FindByFilters(context.Background(), "", types.ProfileP7)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
