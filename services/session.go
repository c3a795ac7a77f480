package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/amhsnet/acse"
	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/p1"
	"github.com/caio-sobreiro/amhsnet/pdu"
	"github.com/caio-sobreiro/amhsnet/types"
)

// P1 Error PDU codes sent by the session
const (
	ErrorCodeDecode     = "DECODE_ERROR"
	ErrorCodeNotBound   = "NOT_BOUND"
	ErrorCodeUnexpected = "UNEXPECTED_PDU"
)

// Per-recipient transfer status codes
const (
	RecipientAccepted = 0
	RecipientRejected = 1
)

const (
	berSequence        = 0x30
	berContextCtorMask = 0xE0
	berContextCtor     = 0xA0
)

// SessionHandler creates the per-connection sessions of the inbound
// server. It is safe for concurrent use.
type SessionHandler struct {
	admitter interfaces.MessageAdmitter
	commands *Registry
	logger   *slog.Logger
}

// NewSessionHandler creates a handler admitting messages through admitter
// and answering text commands from commands. A nil registry disables text
// commands.
func NewSessionHandler(admitter interfaces.MessageAdmitter, commands *Registry, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if commands == nil {
		commands = NewRegistry(WithRegistryLogger(logger))
	}
	return &SessionHandler{admitter: admitter, commands: commands, logger: logger}
}

// NewSession returns the handler for one connection
func (h *SessionHandler) NewSession() pdu.MessageHandler {
	return &Session{handler: h, association: acse.NewMachine()}
}

// Session handles the messages of one connection. Payloads are dispatched
// by their first octet: context-specific constructed tags are P1
// association PDUs, a universal SEQUENCE is a bare P1 message body, and
// anything else is the text protocol.
type Session struct {
	handler     *SessionHandler
	association *acse.Machine
}

// Association returns the connection's association state
func (s *Session) Association() acse.State {
	return s.association.State()
}

// HandleMessage implements pdu.MessageHandler.
func (s *Session) HandleMessage(ctx context.Context, payload []byte, layer *pdu.Layer) ([]byte, error) {
	if len(payload) > 0 {
		switch {
		case payload[0]&berContextCtorMask == berContextCtor:
			return s.handleAssociation(ctx, payload, layer)
		case payload[0] == berSequence:
			return s.handleMessageBody(ctx, payload, layer)
		}
	}
	return s.handleText(ctx, payload, layer)
}

func (s *Session) log(layer *pdu.Layer) *slog.Logger {
	return s.handler.logger.With("remote_addr", layer.RemoteAddr())
}

func (s *Session) handleAssociation(ctx context.Context, payload []byte, layer *pdu.Layer) ([]byte, error) {
	log := s.log(layer)

	decoded, err := p1.Decode(payload)
	if err != nil {
		if p1.Kind(payload[0]&0x1F) == p1.KindBind {
			log.Warn("Rejected P1 bind", "error", err)
			return p1.EncodeBindResult(false, err.Error()), io.EOF
		}
		log.Warn("Malformed P1 association PDU", "error", err)
		return p1.EncodeError(ErrorCodeDecode, err.Error()), err
	}

	switch p := decoded.(type) {
	case *p1.Bind:
		return s.handleBind(p, log)
	case *p1.Transfer:
		return s.handleTransfer(ctx, p, layer, log)
	case *p1.Release:
		if err := s.association.OnInbound(acse.RLRQ{}); err != nil {
			log.Debug("Release outside an established association", "error", err)
		} else {
			_ = s.association.OnOutbound(acse.RLRE{Normal: true})
		}
		log.Info("P1 association released")
		return p1.EncodeReleaseResult(), io.EOF
	case *p1.Abort:
		_ = s.association.OnInbound(acse.ABRT{Source: "peer", Diagnostic: p.Diagnostic})
		log.Warn("P1 association aborted by peer", "diagnostic", p.Diagnostic)
		return nil, io.EOF
	case *p1.Error:
		log.Warn("P1 error received from peer", "code", p.Code, "diagnostic", p.Diagnostic)
		return nil, nil
	default:
		log.Warn("Unexpected P1 association PDU", "kind", decoded.Kind())
		return p1.EncodeError(ErrorCodeUnexpected, fmt.Sprintf("unexpected %s from initiator", decoded.Kind())), nil
	}
}

func (s *Session) handleBind(bind *p1.Bind, log *slog.Logger) ([]byte, error) {
	request := acse.AARQ{
		ApplicationContextName: bind.AbstractSyntaxOID,
		CallingAETitle:         bind.CallingMTA,
		CalledAETitle:          bind.CalledMTA,
	}
	if err := s.association.OnInbound(request); err != nil {
		log.Warn("Rejected P1 bind", "calling_mta", bind.CallingMTA, "error", err)
		return p1.EncodeBindResult(false, err.Error()), nil
	}

	pc := acse.PresentationContext{
		ID:               1,
		AbstractSyntax:   bind.AbstractSyntaxOID,
		TransferSyntaxes: []string{acse.BasicEncodingRules},
	}
	if err := acse.ValidateNegotiation([]acse.PresentationContext{pc}, []int{pc.ID}); err != nil {
		_ = s.association.OnOutbound(acse.AARE{Accepted: false, Diagnostic: err.Error()})
		log.Warn("Rejected P1 bind", "calling_mta", bind.CallingMTA, "error", err)
		return p1.EncodeBindResult(false, err.Error()), io.EOF
	}

	_ = s.association.OnOutbound(acse.AARE{Accepted: true})
	log.Info("P1 association established", "calling_mta", bind.CallingMTA, "called_mta", bind.CalledMTA)
	return p1.EncodeBindResult(true, ""), nil
}

func (s *Session) handleTransfer(ctx context.Context, transfer *p1.Transfer, layer *pdu.Layer, log *slog.Logger) ([]byte, error) {
	if !s.association.Established() {
		log.Warn("P1 transfer before bind", "association", s.association.State())
		return p1.EncodeError(ErrorCodeNotBound, "Transfer received before an accepted Bind"), nil
	}

	parsed, err := p1.ParseMessage(transfer.Payload)
	if err != nil {
		log.Warn("Rejected malformed P1 transfer", "error", err)
		return p1.EncodeTransferResult(&p1.TransferResult{Accepted: false, Diagnostic: err.Error()}), nil
	}

	msg := messageFromP1(parsed, layer.Identity())
	result := &p1.TransferResult{MTSIdentifier: msg.RelayIdentifier()}
	recipient := p1.RecipientResult{Address: msg.Recipient, Status: RecipientAccepted}

	stored, err := s.handler.admitter.Admit(ctx, msg)
	if err != nil {
		if !amhserrors.IsValidation(err) {
			log.Error("Failed to admit P1 transfer", "message_id", msg.MessageID, "error", err)
		}
		result.Diagnostic = err.Error()
		recipient.Status = RecipientRejected
		recipient.Diagnostic = err.Error()
	} else {
		result.Accepted = true
		result.MTSIdentifier = stored.RelayIdentifier()
		log.Info("Accepted P1 transfer", "message_id", stored.MessageID, "mts_id", result.MTSIdentifier)
	}
	result.RecipientResults = []p1.RecipientResult{recipient}
	return p1.EncodeTransferResult(result), nil
}

func (s *Session) handleMessageBody(ctx context.Context, payload []byte, layer *pdu.Layer) ([]byte, error) {
	log := s.log(layer)

	parsed, err := p1.ParseMessage(payload)
	if err != nil {
		log.Warn("Rejected malformed P1 message body", "error", err)
		return []byte(NewNackResponse(Submission{MessageID: UnknownAddress}, err)), nil
	}

	msg := messageFromP1(parsed, layer.Identity())
	sub := Submission{MessageID: msg.MessageID, From: msg.Sender, To: msg.Recipient}
	return s.admit(ctx, msg, sub, log)
}

func (s *Session) handleText(ctx context.Context, payload []byte, layer *pdu.Layer) ([]byte, error) {
	log := s.log(layer)
	text := strings.TrimSpace(string(payload))

	response, ok, err := s.handler.commands.Dispatch(ctx, text)
	if ok {
		if err != nil {
			return nil, err
		}
		return []byte(response), nil
	}

	sub := ParseTextSubmission(text, layer.Identity(), log)
	return s.admit(ctx, sub.message(), sub, log)
}

// admit stores msg and answers with an ACK or NACK. Errors other than
// validation failures end the connection.
func (s *Session) admit(ctx context.Context, msg *types.Message, sub Submission, log *slog.Logger) ([]byte, error) {
	_, err := s.handler.admitter.Admit(ctx, msg)
	if err == nil {
		return []byte(NewAckResponse(sub)), nil
	}

	var validationErr *amhserrors.ValidationError
	if errors.As(err, &validationErr) {
		log.Warn("AMHS message rejected", "message_id", sub.MessageID, "error", err)
		return []byte(NewNackResponse(sub, err)), nil
	}
	return nil, fmt.Errorf("failed to process AMHS message %s: %w", sub.MessageID, err)
}

// messageFromP1 maps a decoded P1 body onto a message awaiting admission.
func messageFromP1(parsed *p1.Message, identity pdu.PeerIdentity) *types.Message {
	messageID := strings.TrimSpace(parsed.MessageID)
	if messageID == "" {
		messageID = uuid.NewString()
	}
	msg := &types.Message{
		MessageID:     messageID,
		Sender:        parsed.From,
		Recipient:     parsed.To,
		Body:          parsed.Body,
		Profile:       parsed.Profile,
		Priority:      parsed.Priority,
		Subject:       parsed.Subject,
		FilingTime:    parsed.FilingTime,
		CertificateCN: identity.CN,
		CertificateOU: identity.OU,
		TransferTrace: parsed.Envelope.Trace.String(),
	}
	if mts := parsed.Envelope.MTSIdentifier; mts != nil {
		msg.MTSIdentifier = mts.LocalIdentifier
	}
	if strings.HasPrefix(parsed.From, "/") {
		msg.SenderORAddress = parsed.From
	}
	if strings.HasPrefix(parsed.To, "/") {
		msg.RecipientORAddress = parsed.To
	}
	return msg
}
