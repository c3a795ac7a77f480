// Package pdu implements RFC1006 transport framing (TPKT and COTP) and the
// per-connection session that feeds reassembled messages to a handler.
package pdu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
)

// State is the session state of a Layer
type State int

const (
	StateAwaitingFrame State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingFrame:
		return "AwaitingFrame"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PeerIdentity is the certificate identity presented by the remote side.
// Both fields are empty for plain TCP or when no client certificate was sent.
type PeerIdentity struct {
	CN string
	OU string
}

// MessageHandler processes one reassembled message. A non-empty response
// is sent back on the same connection. Returning io.EOF ends the session
// normally after the response has been written.
type MessageHandler interface {
	HandleMessage(ctx context.Context, payload []byte, layer *Layer) ([]byte, error)
}

// MessageHandlerFunc adapts a function to MessageHandler
type MessageHandlerFunc func(ctx context.Context, payload []byte, layer *Layer) ([]byte, error)

// HandleMessage calls f
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, payload []byte, layer *Layer) ([]byte, error) {
	return f(ctx, payload, layer)
}

// Layer handles the RFC1006 session for a single connection
type Layer struct {
	conn     net.Conn
	reader   *Reader
	writer   *Writer
	handler  MessageHandler
	identity PeerIdentity
	state    State
	peer     *ConnectionTPDU
	logger   *slog.Logger
}

// NewLayer creates a new session layer for conn
func NewLayer(conn net.Conn, handler MessageHandler, identity PeerIdentity, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		conn:     conn,
		reader:   NewReader(conn),
		writer:   NewWriter(conn),
		handler:  handler,
		identity: identity,
		state:    StateAwaitingFrame,
		logger:   logger,
	}
}

// Identity returns the peer certificate identity
func (l *Layer) Identity() PeerIdentity {
	return l.identity
}

// State returns the current session state
func (l *Layer) State() State {
	return l.state
}

// RemoteAddr returns the peer address
func (l *Layer) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Send writes payload to the peer as DT frames
func (l *Layer) Send(payload []byte) error {
	return l.writer.Send(payload)
}

// HandleConnection runs the session until the peer disconnects, the handler
// ends it, or ctx is cancelled. The connection is always closed on return.
func (l *Layer) HandleConnection(ctx context.Context) error {
	defer func() {
		l.state = StateClosed
		l.conn.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.conn.Close()
		case <-done:
		}
	}()

	l.logger.Info("New RFC1006 connection", "remote_addr", l.conn.RemoteAddr())

	for {
		frame, err := l.reader.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.logger.Info("Connection closed by peer", "remote_addr", l.conn.RemoteAddr())
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("Error reading frame", "error", err, "remote_addr", l.conn.RemoteAddr())
			return fmt.Errorf("error reading frame: %w", err)
		}

		if err := l.handleFrame(ctx, frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil // Normal termination
			}
			return fmt.Errorf("error handling frame: %w", err)
		}
	}
}

func (l *Layer) handleFrame(ctx context.Context, frame *Frame) error {
	l.logger.Debug("Received frame", "tpdu", TypeName(frame.Type), "length", len(frame.Payload))

	switch frame.Type {
	case TypeCR:
		return l.handleConnectionRequest(frame)
	case TypeDT:
		return l.handleData(ctx, frame)
	default:
		return fmt.Errorf("unexpected %s TPDU from peer", TypeName(frame.Type))
	}
}

// handleConnectionRequest answers a CR with a CC
func (l *Layer) handleConnectionRequest(frame *Frame) error {
	cr, err := ParseConnectionTPDU(frame.Payload)
	if err != nil {
		return err
	}
	if l.state == StateEstablished {
		l.logger.Warn("Repeated COTP CR on established connection", "remote_addr", l.conn.RemoteAddr())
	}

	if err := l.writer.SendConnectionConfirm(cr); err != nil {
		return fmt.Errorf("failed to send CC: %w", err)
	}
	l.writer.SetMaxUserData(cr.MaxUserData())
	l.peer = cr
	l.state = StateEstablished

	l.logger.Debug("Sent COTP CC",
		"src_ref", cr.SourceRef,
		"dst_ref", cr.DestinationRef,
		"class", cr.Class,
		"max_user_data", cr.MaxUserData())
	return nil
}

// handleData forwards a reassembled message to the handler
func (l *Layer) handleData(ctx context.Context, frame *Frame) error {
	if l.state == StateAwaitingFrame {
		l.logger.Debug("Data before CR, treating peer as legacy", "remote_addr", l.conn.RemoteAddr())
	}

	response, err := l.handler.HandleMessage(ctx, frame.Payload, l)
	if len(response) > 0 {
		if sendErr := l.writer.Send(response); sendErr != nil {
			return fmt.Errorf("failed to send response: %w", sendErr)
		}
	}
	return err
}
