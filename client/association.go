// Package client implements the outbound side of a P1 association over
// RFC1006: connect, bind, transfer and release.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/caio-sobreiro/amhsnet/acse"
	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/p1"
	"github.com/caio-sobreiro/amhsnet/pdu"
	"github.com/caio-sobreiro/amhsnet/types"
)

// DefaultPort is the RFC1006 port used when an endpoint has none
const DefaultPort = "102"

// Config holds client configuration
type Config struct {
	CallingMTA     string
	CalledMTA      string
	ConnectTimeout time.Duration // Timeout for establishing connection (default: 30s)
	ReadTimeout    time.Duration // Timeout for each request/response exchange (default: 60s)
	WriteTimeout   time.Duration // Timeout for write operations (default: 60s)
	TLSConfig      *tls.Config   // TLS is used when set
	Logger         *slog.Logger  // Logger for the association (default: slog.Default())
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Association represents a client-side P1 association
type Association struct {
	conn     net.Conn
	reader   *pdu.Reader
	writer   *pdu.Writer
	machine  *acse.Machine
	endpoint string
	config   Config
	logger   *slog.Logger
}

// NormalizeEndpoint appends DefaultPort to an endpoint without a port
func NormalizeEndpoint(endpoint string) string {
	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return endpoint
	}
	return net.JoinHostPort(endpoint, DefaultPort)
}

// Connect dials endpoint and completes the COTP CR/CC exchange. The
// returned association is not yet bound.
func Connect(ctx context.Context, endpoint string, config Config) (*Association, error) {
	config.applyDefaults()
	endpoint = NormalizeEndpoint(endpoint)

	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	var (
		conn net.Conn
		err  error
	)
	if config.TLSConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: config.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", endpoint)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", endpoint)
	}
	if err != nil {
		return nil, amhserrors.NewTransportError("connect", endpoint, err)
	}

	assoc := newAssociation(conn, endpoint, config)
	if err := assoc.connect(); err != nil {
		conn.Close()
		return nil, err
	}
	return assoc, nil
}

func newAssociation(conn net.Conn, endpoint string, config Config) *Association {
	config.applyDefaults()
	return &Association{
		conn:     conn,
		reader:   pdu.NewReader(conn),
		writer:   pdu.NewWriter(conn),
		machine:  acse.NewMachine(),
		endpoint: endpoint,
		config:   config,
		logger:   config.Logger.With("endpoint", endpoint),
	}
}

// connect sends the CR and waits for the CC
func (a *Association) connect() error {
	if err := a.setDeadlines(); err != nil {
		return err
	}
	if err := a.writer.SendConnectionRequest(); err != nil {
		return amhserrors.NewTransportError("connect", a.endpoint, fmt.Errorf("failed to send CR: %w", err))
	}
	frame, err := a.reader.ReadMessage()
	if err != nil {
		return amhserrors.NewTransportError("connect", a.endpoint, fmt.Errorf("failed to read CC: %w", err))
	}
	if frame.Type != pdu.TypeCC {
		return amhserrors.NewTransportError("connect", a.endpoint,
			fmt.Errorf("expected COTP CC after CR, got %s", pdu.TypeName(frame.Type)))
	}
	cc, err := pdu.ParseConnectionTPDU(frame.Payload)
	if err != nil {
		return amhserrors.NewTransportError("connect", a.endpoint, err)
	}
	a.writer.SetMaxUserData(cc.MaxUserData())
	a.logger.Debug("COTP connection confirmed", "max_user_data", cc.MaxUserData())
	return nil
}

// State returns the association state
func (a *Association) State() acse.State {
	return a.machine.State()
}

// Bind opens the P1 association. A rejection by the peer wraps
// ErrBindRejected.
func (a *Association) Bind() error {
	request := acse.AARQ{
		ApplicationContextName: p1.AbstractSyntaxOID,
		CallingAETitle:         a.config.CallingMTA,
		CalledAETitle:          a.config.CalledMTA,
	}
	if err := a.machine.OnOutbound(request); err != nil {
		return err
	}

	reply, err := a.exchange("bind", p1.EncodeBind(&p1.Bind{
		CallingMTA: a.config.CallingMTA,
		CalledMTA:  a.config.CalledMTA,
	}))
	if err != nil {
		return err
	}

	result, ok := reply.(*p1.BindResult)
	if !ok {
		return a.unexpected("bind", reply)
	}
	_ = a.machine.OnInbound(acse.AARE{Accepted: result.Accepted, Diagnostic: result.Diagnostic})
	if !result.Accepted {
		return amhserrors.NewTransportError("bind", a.endpoint, fmt.Errorf("%w: %s", amhserrors.ErrBindRejected, result.Diagnostic))
	}

	a.logger.Info("P1 association established", "calling_mta", a.config.CallingMTA, "called_mta", a.config.CalledMTA)
	return nil
}

// Transfer sends msg and maps the peer's TransferResult to an outcome
func (a *Association) Transfer(msg *types.Message) (*types.RelayOutcome, error) {
	if !a.machine.Established() {
		return nil, fmt.Errorf("client: transfer requires an established association, current=%s", a.machine.State())
	}

	reply, err := a.exchange("transfer", p1.EncodeTransfer(p1.EncodeMessage(msg)))
	if err != nil {
		return nil, err
	}
	result, ok := reply.(*p1.TransferResult)
	if !ok {
		return nil, a.unexpected("transfer", reply)
	}
	return mapTransferResult(msg, result), nil
}

// Release closes the association in an orderly way
func (a *Association) Release() error {
	if err := a.machine.OnOutbound(acse.RLRQ{}); err != nil {
		return err
	}
	reply, err := a.exchange("release", p1.EncodeRelease())
	if err != nil {
		return err
	}
	if _, ok := reply.(*p1.ReleaseResult); !ok {
		return a.unexpected("release", reply)
	}
	return a.machine.OnInbound(acse.RLRE{Normal: true})
}

// Close closes the underlying connection
func (a *Association) Close() error {
	return a.conn.Close()
}

// exchange sends one PDU and decodes the reply. Abort and Error replies
// become errors.
func (a *Association) exchange(op string, request []byte) (p1.PDU, error) {
	if err := a.setDeadlines(); err != nil {
		return nil, err
	}
	if err := a.writer.Send(request); err != nil {
		return nil, amhserrors.NewTransportError(op, a.endpoint, err)
	}
	frame, err := a.reader.ReadMessage()
	if err != nil {
		return nil, amhserrors.NewTransportError(op, a.endpoint, err)
	}
	if frame.Type != pdu.TypeDT {
		return nil, amhserrors.NewTransportError(op, a.endpoint, fmt.Errorf("unexpected %s TPDU", pdu.TypeName(frame.Type)))
	}

	reply, err := p1.Decode(frame.Payload)
	if err != nil {
		return nil, amhserrors.NewTransportError(op, a.endpoint, err)
	}
	switch p := reply.(type) {
	case *p1.Abort:
		_ = a.machine.OnInbound(acse.ABRT{Source: "peer", Diagnostic: p.Diagnostic})
		return nil, amhserrors.NewTransportError(op, a.endpoint, amhserrors.NewAbortError(p.Diagnostic))
	case *p1.Error:
		return nil, amhserrors.NewTransportError(op, a.endpoint, fmt.Errorf("peer error %s: %s", p.Code, p.Diagnostic))
	}
	return reply, nil
}

func (a *Association) unexpected(op string, reply p1.PDU) error {
	return amhserrors.NewTransportError(op, a.endpoint, fmt.Errorf("%w: unexpected %s", amhserrors.ErrUnknownPDU, reply.Kind()))
}

func (a *Association) setDeadlines() error {
	now := time.Now()
	if err := a.conn.SetReadDeadline(now.Add(a.config.ReadTimeout)); err != nil {
		return amhserrors.NewTransportError("deadline", a.endpoint, fmt.Errorf("failed to set read deadline: %w", err))
	}
	if err := a.conn.SetWriteDeadline(now.Add(a.config.WriteTimeout)); err != nil {
		return amhserrors.NewTransportError("deadline", a.endpoint, fmt.Errorf("failed to set write deadline: %w", err))
	}
	return nil
}

func mapTransferResult(msg *types.Message, result *p1.TransferResult) *types.RelayOutcome {
	outcome := &types.RelayOutcome{
		Accepted:      result.Accepted,
		MTSIdentifier: result.MTSIdentifier,
		Diagnostic:    result.Diagnostic,
	}
	if outcome.MTSIdentifier == "" {
		outcome.MTSIdentifier = msg.RelayIdentifier()
	}
	for _, r := range result.RecipientResults {
		outcome.RecipientOutcomes = append(outcome.RecipientOutcomes, types.RecipientOutcome{
			Recipient:  r.Address,
			Status:     r.Status,
			Diagnostic: r.Diagnostic,
		})
	}
	return outcome
}

// isAbort reports whether err carries a peer abort
func isAbort(err error) bool {
	var abortErr *amhserrors.AbortError
	return errors.As(err, &abortErr)
}
