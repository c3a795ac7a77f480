// Package relay moves admitted messages toward peer MTAs: it routes each
// pending message, transfers it over P1 and applies retry, loop detection
// and dead-lettering.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/lifecycle"
	"github.com/caio-sobreiro/amhsnet/metrics"
	"github.com/caio-sobreiro/amhsnet/oraddr"
	"github.com/caio-sobreiro/amhsnet/types"
)

// Dead-letter reasons
const (
	ReasonLoopDetected        = "loop-detected"
	ReasonNoRoute             = "no-route"
	ReasonTransferRejected    = "transfer-rejected"
	ReasonMaxAttemptsExceeded = "max-attempts-exceeded"
)

const (
	defaultScanInterval  = 5 * time.Second
	defaultMaxAttempts   = 5
	defaultLocalMTAName  = "LOCAL-MTA"
	defaultRoutingDomain = "LOCAL"
	maxBackoffExponent   = 8
)

// ErrSweepInProgress is returned by Sweep when another sweep is running
var ErrSweepInProgress = errors.New("relay: sweep already in progress")

// Config configures the relay engine. Zero values take defaults in Validate.
type Config struct {
	Enabled       bool
	ScanInterval  time.Duration
	MaxAttempts   int
	LocalMTAName  string
	RoutingDomain string
	Concurrency   int
	Clock         clockwork.Clock
	Logger        *slog.Logger

	Routes   *RoutingTable
	Store    interfaces.MessageStore
	Client   interfaces.OutboundClient
	Reporter interfaces.DeliveryReporter
}

// Validate fills defaults and checks required collaborators
func (cfg *Config) Validate() error {
	if cfg.Store == nil {
		return errors.New("relay: message store is required")
	}
	if cfg.Client == nil {
		return errors.New("relay: outbound client is required")
	}
	if cfg.Routes == nil {
		cfg.Routes = NewRoutingTable(nil)
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if strings.TrimSpace(cfg.LocalMTAName) == "" {
		cfg.LocalMTAName = defaultLocalMTAName
	}
	if strings.TrimSpace(cfg.RoutingDomain) == "" {
		cfg.RoutingDomain = defaultRoutingDomain
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Engine runs relay sweeps over pending messages
type Engine struct {
	cfg       Config
	log       *slog.Logger
	lifecycle *lifecycle.Machine
	sweeping  atomic.Bool
}

// NewEngine validates cfg and creates an engine
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		lifecycle: lifecycle.New(cfg.Clock),
	}, nil
}

// Run sweeps every ScanInterval until ctx is done. It returns immediately
// when relay is disabled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.cfg.Enabled {
		e.log.Info("Outbound relay disabled")
		return nil
	}

	e.log.Info("Outbound relay started",
		"local_mta", e.cfg.LocalMTAName,
		"routing_domain", e.cfg.RoutingDomain,
		"scan_interval", e.cfg.ScanInterval,
		"routes", len(e.cfg.Routes.Routes()))

	ticker := e.cfg.Clock.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Outbound relay stopped")
			return nil
		case <-ticker.Chan():
			if err := e.Sweep(ctx); err != nil {
				if errors.Is(err, ErrSweepInProgress) {
					e.log.Debug("Skipping relay sweep, previous one still running")
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				e.log.Warn("Relay sweep failed", "error", err)
			}
		}
	}
}

// Sweep relays every SUBMITTED or DEFERRED message whose next attempt is
// due. Only one sweep runs at a time.
func (e *Engine) Sweep(ctx context.Context) error {
	if !e.sweeping.CompareAndSwap(false, true) {
		return ErrSweepInProgress
	}
	defer e.sweeping.Store(false)

	start := e.cfg.Clock.Now()
	defer func() {
		metrics.SweepDuration.Observe(e.cfg.Clock.Since(start).Seconds())
	}()

	candidates, err := e.cfg.Store.FindByStates(ctx, types.StateSubmitted, types.StateDeferred)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("messages").Inc()
		return fmt.Errorf("failed to load relay candidates: %w", err)
	}

	pool := pond.NewPool(e.cfg.Concurrency, pond.WithContext(ctx))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	due := 0
	for _, msg := range candidates {
		if msg.RelayNextAttemptAt != nil && msg.RelayNextAttemptAt.After(start) {
			continue
		}
		due++
		group.Submit(func() {
			e.relay(ctx, msg)
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("relay sweep interrupted: %w", err)
	}

	if due > 0 {
		e.log.Debug("Relay sweep complete", "candidates", len(candidates), "due", due)
	}
	return nil
}

// relay processes one message. It owns msg until it returns.
func (e *Engine) relay(ctx context.Context, msg *types.Message) {
	log := e.log.With("message_id", msg.MessageID)

	if HasLoop(msg.TransferTrace, e.cfg.LocalMTAName, e.cfg.RoutingDomain) {
		log.Warn("Relay loop detected", "trace", msg.TransferTrace)
		e.deadLetter(ctx, msg, ReasonLoopDetected)
		return
	}

	nextHop, ok := e.nextHop(msg)
	if !ok {
		log.Warn("No relay route for recipient", "recipient", msg.RelayAddress())
		e.deadLetter(ctx, msg, ReasonNoRoute)
		return
	}

	// The outbound copy carries the local hop so the peer can detect loops.
	// The stored trace only gains it once the transfer went through.
	outbound := msg.Clone()
	outbound.TransferTrace = AppendTrace(msg.TransferTrace, e.cfg.LocalMTAName, e.cfg.RoutingDomain, e.cfg.Clock.Now())

	outcome, err := e.cfg.Client.Relay(ctx, nextHop, outbound)
	if err != nil {
		e.handleFailure(ctx, msg, nextHop, err)
		return
	}
	msg.TransferTrace = outbound.TransferTrace
	e.handleOutcome(ctx, msg, nextHop, outcome)
}

func (e *Engine) nextHop(msg *types.Message) (string, bool) {
	addr, err := oraddr.Parse(msg.RelayAddress())
	if err != nil {
		return "", false
	}
	return e.cfg.Routes.FindNextHop(addr, msg.RelayAttemptCount)
}

func (e *Engine) handleOutcome(ctx context.Context, msg *types.Message, nextHop string, outcome *types.RelayOutcome) {
	if outcome.MTSIdentifier != "" {
		msg.MTSIdentifier = outcome.MTSIdentifier
	}
	msg.RecipientOutcomes = FormatRecipientOutcomes(outcome.RecipientOutcomes)
	msg.RelayNextAttemptAt = nil

	if outcome.Accepted {
		msg.LastRelayError = ""
		if err := e.lifecycle.Transition(msg, types.StateTransferred); err != nil {
			e.log.Error("Cannot mark message transferred", "message_id", msg.MessageID, "error", err)
			return
		}
		metrics.RelayAttempts.WithLabelValues(metrics.OutcomeTransferred).Inc()
		e.log.Info("Relayed AMHS message", "message_id", msg.MessageID, "next_hop", nextHop, "mts_id", msg.MTSIdentifier)
		e.save(ctx, msg)
		return
	}

	msg.LastRelayError = outcome.Diagnostic
	metrics.RelayAttempts.WithLabelValues(metrics.OutcomeRejected).Inc()
	e.log.Warn("Peer rejected AMHS transfer", "message_id", msg.MessageID, "next_hop", nextHop, "diagnostic", outcome.Diagnostic)
	if !e.fail(msg, ReasonTransferRejected) {
		return
	}
	if e.cfg.Reporter != nil {
		if err := e.cfg.Reporter.TransferRejected(ctx, msg, outcome); err != nil {
			e.log.Warn("Failed to record non-delivery report", "message_id", msg.MessageID, "error", err)
		}
	}
	e.save(ctx, msg)
}

func (e *Engine) handleFailure(ctx context.Context, msg *types.Message, nextHop string, cause error) {
	attempt := msg.RelayAttemptCount + 1
	msg.RelayAttemptCount = attempt
	msg.LastRelayError = cause.Error()

	if attempt >= e.cfg.MaxAttempts {
		metrics.RelayAttempts.WithLabelValues(metrics.OutcomeFailed).Inc()
		e.log.Warn("Relay attempts exhausted", "message_id", msg.MessageID, "attempt", attempt, "next_hop", nextHop, "error", cause)
		e.deadLetter(ctx, msg, ReasonMaxAttemptsExceeded)
		return
	}

	if err := e.lifecycle.Transition(msg, types.StateDeferred); err != nil {
		e.log.Error("Cannot defer message", "message_id", msg.MessageID, "error", err)
		return
	}
	next := e.cfg.Clock.Now().Add(Backoff(attempt)).UTC()
	msg.RelayNextAttemptAt = &next

	metrics.RelayAttempts.WithLabelValues(metrics.OutcomeDeferred).Inc()
	e.log.Warn("Deferred AMHS relay message",
		"message_id", msg.MessageID,
		"attempt", attempt,
		"next_hop", nextHop,
		"next_attempt_at", next,
		"error", cause)
	e.save(ctx, msg)
}

func (e *Engine) deadLetter(ctx context.Context, msg *types.Message, reason string) {
	if e.fail(msg, reason) {
		e.save(ctx, msg)
	}
}

func (e *Engine) fail(msg *types.Message, reason string) bool {
	if err := e.lifecycle.Transition(msg, types.StateFailed); err != nil {
		e.log.Error("Cannot dead-letter message", "message_id", msg.MessageID, "reason", reason, "error", err)
		return false
	}
	msg.DeadLetterReason = reason
	msg.RelayNextAttemptAt = nil
	metrics.DeadLetters.WithLabelValues(reason).Inc()
	return true
}

func (e *Engine) save(ctx context.Context, msg *types.Message) {
	if _, err := e.cfg.Store.Save(ctx, msg); err != nil {
		metrics.StoreErrors.WithLabelValues("messages").Inc()
		e.log.Error("Failed to persist relay state", "message_id", msg.MessageID, "state", msg.State, "error", err)
	}
}

// Backoff returns the retry delay after the given failed attempt:
// 2^min(attempt,8) seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	return time.Duration(1<<attempt) * time.Second
}

func hopMarker(localMTAName, routingDomain string) string {
	name := strings.TrimSpace(localMTAName)
	if name == "" {
		name = defaultLocalMTAName
	}
	domain := strings.TrimSpace(routingDomain)
	if domain == "" {
		domain = defaultRoutingDomain
	}
	return name + "@" + domain
}

// HasLoop reports whether trace already contains a hop for this MTA
func HasLoop(trace, localMTAName, routingDomain string) bool {
	if strings.TrimSpace(trace) == "" {
		return false
	}
	return strings.Contains(trace, hopMarker(localMTAName, routingDomain)+"[")
}

// AppendTrace adds a NAME@DOMAIN[timestamp] hop to trace
func AppendTrace(trace, localMTAName, routingDomain string, now time.Time) string {
	hop := fmt.Sprintf("%s[%s]", hopMarker(localMTAName, routingDomain), now.UTC().Format(time.RFC3339))
	if strings.TrimSpace(trace) == "" {
		return hop
	}
	return trace + ">" + hop
}

// FormatRecipientOutcomes renders outcomes as addr(status),addr(status).
// It returns "" for no outcomes.
func FormatRecipientOutcomes(outcomes []types.RecipientOutcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%s(%d)", o.Recipient, o.Status))
	}
	return strings.Join(parts, ",")
}
