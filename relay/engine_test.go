package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/caio-sobreiro/amhsnet/p1"
	"github.com/caio-sobreiro/amhsnet/storage/memory"
	"github.com/caio-sobreiro/amhsnet/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	sent    [][]byte
	outcome *types.RelayOutcome
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (c *fakeClient) Relay(_ context.Context, endpoint string, msg *types.Message) (*types.RelayOutcome, error) {
	c.mu.Lock()
	c.calls = append(c.calls, endpoint)
	c.sent = append(c.sent, p1.EncodeMessage(msg))
	c.mu.Unlock()
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.outcome, nil
}

func (c *fakeClient) payloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeClient) endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeReporter struct {
	mu       sync.Mutex
	rejected []string
}

func (r *fakeReporter) TransferRejected(_ context.Context, msg *types.Message, _ *types.RelayOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, msg.MessageID)
	return nil
}

type harness struct {
	engine   *Engine
	store    *memory.MessageStore
	client   *fakeClient
	reporter *fakeReporter
	clock    *clockwork.FakeClock
}

func newHarness(t *testing.T, routes string, maxAttempts int) *harness {
	t.Helper()
	table, err := ParseRoutingTable(routes)
	require.NoError(t, err)

	h := &harness{
		store:    memory.NewMessageStore(),
		client:   &fakeClient{outcome: &types.RelayOutcome{Accepted: true}},
		reporter: &fakeReporter{},
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.engine, err = NewEngine(Config{
		Enabled:       true,
		MaxAttempts:   maxAttempts,
		LocalMTAName:  "HUB",
		RoutingDomain: "ICAO",
		Clock:         h.clock,
		Routes:        table,
		Store:         h.store,
		Client:        h.client,
		Reporter:      h.reporter,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) add(t *testing.T, msg *types.Message) {
	t.Helper()
	if msg.State == types.StateUnset {
		msg.State = types.StateSubmitted
	}
	_, err := h.store.Save(context.Background(), msg)
	require.NoError(t, err)
}

func (h *harness) get(t *testing.T, id string) *types.Message {
	t.Helper()
	msg, err := h.store.FindByMessageID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

const enavRecipient = "/C=IT/ADMD=ICAO/PRMD=ENAV/O=ATC/CN=OPS"

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Store: memory.NewMessageStore(), Client: &fakeClient{}}
	require.NoError(t, cfg.Validate())

	assert.False(t, cfg.Enabled)
	assert.Equal(t, 5*time.Second, cfg.ScanInterval)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "LOCAL-MTA", cfg.LocalMTAName)
	assert.Equal(t, "LOCAL", cfg.RoutingDomain)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Routes)

	assert.Error(t, (&Config{Client: &fakeClient{}}).Validate())
	assert.Error(t, (&Config{Store: memory.NewMessageStore()}).Validate())
}

func TestSweepTransfersMessage(t *testing.T) {
	h := newHarness(t, "/C=IT/ADMD=ICAO/PRMD=ENAV->mta1:102", 3)
	h.client.outcome = &types.RelayOutcome{
		Accepted:      true,
		MTSIdentifier: "MTS-42",
		RecipientOutcomes: []types.RecipientOutcome{
			{Recipient: "LIRRZQZX", Status: 0},
			{Recipient: "LIMMZQZX", Status: 1},
		},
	}
	h.add(t, &types.Message{MessageID: "m-1", RecipientORAddress: enavRecipient, TransferTrace: "PEER@ICAO[2025-12-31T23:00:00Z]"})

	require.NoError(t, h.engine.Sweep(context.Background()))

	msg := h.get(t, "m-1")
	assert.Equal(t, types.StateTransferred, msg.State)
	assert.Equal(t, "MTS-42", msg.MTSIdentifier)
	assert.Equal(t, "LIRRZQZX(0),LIMMZQZX(1)", msg.RecipientOutcomes)
	assert.Equal(t, "PEER@ICAO[2025-12-31T23:00:00Z]>HUB@ICAO[2026-01-01T00:00:00Z]", msg.TransferTrace)
	assert.Nil(t, msg.RelayNextAttemptAt)
	assert.Empty(t, msg.LastRelayError)
	assert.Equal(t, []string{"mta1:102"}, h.client.endpoints())
}

func TestSweepSendsTraceWithLocalHop(t *testing.T) {
	h := newHarness(t, "/C=IT/ADMD=ICAO/PRMD=ENAV->mta1:102", 3)
	h.add(t, &types.Message{
		MessageID:          "m-trace",
		Sender:             "LIRRZQZX",
		Recipient:          "LIMMZQZX",
		Body:               "FPL-AZA123-IS",
		RecipientORAddress: enavRecipient,
		TransferTrace:      "PEER@ICAO[2025-12-31T23:00:00Z]",
	})

	require.NoError(t, h.engine.Sweep(context.Background()))

	sent := h.client.payloads()
	require.Len(t, sent, 1)
	decoded, err := p1.ParseMessage(sent[0])
	require.NoError(t, err)
	wireTrace := decoded.Envelope.Trace.String()
	assert.Equal(t, "PEER@ICAO[2025-12-31T23:00:00Z]>HUB@ICAO[2026-01-01T00:00:00Z]", wireTrace)
	assert.True(t, HasLoop(wireTrace, "HUB", "ICAO"), "a peer relaying the message back must see this MTA in the trace")

	assert.Equal(t, wireTrace, h.get(t, "m-trace").TransferTrace)
}

func TestSweepTransportFailureKeepsStoredTrace(t *testing.T) {
	h := newHarness(t, "/C=IT/ADMD=ICAO/PRMD=ENAV->mta1:102", 3)
	h.client.err = errors.New("connection refused")
	h.add(t, &types.Message{MessageID: "m-retry", RecipientORAddress: enavRecipient, TransferTrace: "PEER@ICAO[2025-12-31T23:00:00Z]"})

	require.NoError(t, h.engine.Sweep(context.Background()))

	msg := h.get(t, "m-retry")
	assert.Equal(t, "PEER@ICAO[2025-12-31T23:00:00Z]", msg.TransferTrace)
	assert.False(t, HasLoop(msg.TransferTrace, "HUB", "ICAO"))
	assert.Equal(t, 1, msg.RelayAttemptCount)
}

func TestSweepDeadLettersNoRoute(t *testing.T) {
	h := newHarness(t, "/C=IT/ADMD=ICAO/PRMD=ENAV->mta1:102", 3)
	h.add(t, &types.Message{MessageID: "fr", RecipientORAddress: "/C=FR/ADMD=ICAO/PRMD=DGAC/O=ATC/CN=OPS"})
	h.add(t, &types.Message{MessageID: "icao", Recipient: "LFPGZQZX"})

	require.NoError(t, h.engine.Sweep(context.Background()))

	for _, id := range []string{"fr", "icao"} {
		msg := h.get(t, id)
		assert.Equal(t, types.StateFailed, msg.State, id)
		assert.Equal(t, ReasonNoRoute, msg.DeadLetterReason, id)
	}
	assert.Empty(t, h.client.endpoints())
}

func TestSweepDeadLettersLoop(t *testing.T) {
	h := newHarness(t, "/C=IT->mta1:102", 3)
	h.add(t, &types.Message{
		MessageID:          "loop",
		RecipientORAddress: enavRecipient,
		TransferTrace:      "HUB@ICAO[2026-01-01T00:00:00Z]>X",
	})

	require.NoError(t, h.engine.Sweep(context.Background()))

	msg := h.get(t, "loop")
	assert.Equal(t, types.StateFailed, msg.State)
	assert.Equal(t, ReasonLoopDetected, msg.DeadLetterReason)
	assert.Empty(t, h.client.endpoints())
}

func TestSweepRejectedTransfer(t *testing.T) {
	h := newHarness(t, "/C=IT->mta1:102", 3)
	h.client.outcome = &types.RelayOutcome{Accepted: false, Diagnostic: "unknown recipient"}
	h.add(t, &types.Message{MessageID: "m-1", RecipientORAddress: enavRecipient})

	require.NoError(t, h.engine.Sweep(context.Background()))

	msg := h.get(t, "m-1")
	assert.Equal(t, types.StateFailed, msg.State)
	assert.Equal(t, ReasonTransferRejected, msg.DeadLetterReason)
	assert.Equal(t, "unknown recipient", msg.LastRelayError)
	assert.Equal(t, []string{"m-1"}, h.reporter.rejected)
}

func TestSweepBackoffUntilMaxAttempts(t *testing.T) {
	const maxAttempts = 5
	h := newHarness(t, "/C=IT->mta1:102|mta2:102", maxAttempts)
	h.client.err = errors.New("connection refused")
	h.add(t, &types.Message{MessageID: "m-1", RecipientORAddress: enavRecipient})

	ctx := context.Background()
	for attempt := 1; attempt < maxAttempts; attempt++ {
		require.NoError(t, h.engine.Sweep(ctx))

		msg := h.get(t, "m-1")
		require.Equal(t, types.StateDeferred, msg.State, "attempt %d", attempt)
		assert.Equal(t, attempt, msg.RelayAttemptCount)
		assert.Equal(t, "connection refused", msg.LastRelayError)
		require.NotNil(t, msg.RelayNextAttemptAt)
		assert.Equal(t, Backoff(attempt), msg.RelayNextAttemptAt.Sub(h.clock.Now()))

		// not yet due: nothing happens
		require.NoError(t, h.engine.Sweep(ctx))
		assert.Len(t, h.client.endpoints(), attempt)

		h.clock.Advance(Backoff(attempt))
	}

	require.NoError(t, h.engine.Sweep(ctx))
	msg := h.get(t, "m-1")
	assert.Equal(t, types.StateFailed, msg.State)
	assert.Equal(t, ReasonMaxAttemptsExceeded, msg.DeadLetterReason)
	assert.Equal(t, maxAttempts, msg.RelayAttemptCount)
	assert.Nil(t, msg.RelayNextAttemptAt)

	// hops rotate across retries
	assert.Equal(t, []string{"mta1:102", "mta2:102", "mta1:102", "mta2:102", "mta1:102"}, h.client.endpoints())
}

func TestSweepIsSingleFlight(t *testing.T) {
	h := newHarness(t, "/C=IT->mta1:102", 3)
	h.client.block = make(chan struct{})
	h.client.entered = make(chan struct{}, 1)
	h.add(t, &types.Message{MessageID: "m-1", RecipientORAddress: enavRecipient})

	done := make(chan error, 1)
	go func() { done <- h.engine.Sweep(context.Background()) }()

	<-h.client.entered
	assert.ErrorIs(t, h.engine.Sweep(context.Background()), ErrSweepInProgress)

	close(h.client.block)
	require.NoError(t, <-done)
	assert.Equal(t, types.StateTransferred, h.get(t, "m-1").State)
}

func TestRunDisabledReturnsImmediately(t *testing.T) {
	engine, err := NewEngine(Config{Store: memory.NewMessageStore(), Client: &fakeClient{}})
	require.NoError(t, err)
	assert.NoError(t, engine.Run(context.Background()))
}

func TestRunSweepsOnTick(t *testing.T) {
	h := newHarness(t, "/C=IT->mta1:102", 3)
	h.add(t, &types.Message{MessageID: "m-1", RecipientORAddress: enavRecipient})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(5 * time.Second)

	assert.Eventually(t, func() bool {
		msg, _ := h.store.FindByMessageID(context.Background(), "m-1")
		return msg != nil && msg.State == types.StateTransferred
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHasLoop(t *testing.T) {
	assert.True(t, HasLoop("HUB@ICAO[2026-01-01T00:00:00Z]>X", "HUB", "ICAO"))
	assert.False(t, HasLoop("OTHER@ICAO[2026-01-01T00:00:00Z]", "HUB", "ICAO"))
	assert.False(t, HasLoop("", "HUB", "ICAO"))
	assert.False(t, HasLoop("HUB@ICAO", "HUB", "ICAO"))
	assert.True(t, HasLoop("LOCAL-MTA@LOCAL[2026-01-01T00:00:00Z]", "", " "))
}

func TestAppendTrace(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "HUB@ICAO[2026-03-01T09:30:00Z]", AppendTrace("", "HUB", "ICAO", now))
	assert.Equal(t, "A@B[x]>HUB@ICAO[2026-03-01T09:30:00Z]", AppendTrace("A@B[x]", "HUB", "ICAO", now))
	assert.True(t, HasLoop(AppendTrace("", "HUB", "ICAO", now), "HUB", "ICAO"))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 16*time.Second, Backoff(4))
	assert.Equal(t, 256*time.Second, Backoff(8))
	assert.Equal(t, 256*time.Second, Backoff(20))
	assert.Equal(t, time.Second, Backoff(-3))
}

func TestFormatRecipientOutcomes(t *testing.T) {
	assert.Equal(t, "", FormatRecipientOutcomes(nil))
	assert.Equal(t, "A(0)", FormatRecipientOutcomes([]types.RecipientOutcome{{Recipient: "A"}}))
}
