// Package server runs the inbound RFC1006 listener of the MTA. Each
// accepted connection gets its own pdu.Layer and session.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/caio-sobreiro/amhsnet/metrics"
	"github.com/caio-sobreiro/amhsnet/pdu"
)

const defaultHandshakeTimeout = 10 * time.Second

// SessionFactory creates the message handler for one connection
type SessionFactory interface {
	NewSession() pdu.MessageHandler
}

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithReadTimeout sets the idle read timeout for client connections.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets the write timeout for client connections.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.WriteTimeout = timeout
	}
}

// WithTLSConfig serves TLS using config. ListenAndServe wraps its listener;
// Serve expects connections that are already *tls.Conn.
func WithTLSConfig(config *tls.Config) Option {
	return func(s *Server) {
		s.TLSConfig = config
	}
}

// Server exposes a reusable AMHS listener that wires the session and PDU layers.
type Server struct {
	Sessions     SessionFactory
	Logger       *slog.Logger
	TLSConfig    *tls.Config
	ReadTimeout  time.Duration // Idle read timeout, refreshed on every read (0: none)
	WriteTimeout time.Duration // Write timeout, refreshed on every write (0: none)
}

// New builds a Server creating sessions from sessions.
func New(sessions SessionFactory, opts ...Option) *Server {
	srv := &Server{Sessions: sessions}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on the given address and serves until the context is done or an error occurs.
func ListenAndServe(ctx context.Context, address string, sessions SessionFactory, opts ...Option) error {
	srv := New(sessions, opts...)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	if srv.TLSConfig != nil {
		listener = tls.NewListener(listener, srv.TLSConfig)
	}
	defer listener.Close()

	return srv.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or an unrecoverable error occurs.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("amhsserver: listener is required")
	}
	if s == nil {
		return errors.New("amhsserver: server is nil")
	}
	if s.Sessions == nil {
		return errors.New("amhsserver: session factory is required")
	}

	logger := s.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("AMHS server listening",
		"address", listener.Addr().String(),
		"tls", s.TLSConfig != nil)

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Accept timeout", "error", err)
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c, logger)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}

	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	logger = logger.With("remote_addr", conn.RemoteAddr())
	logger.Info("Accepted AMHS connection")

	var identity pdu.PeerIdentity
	if tlsConn, ok := conn.(*tls.Conn); ok {
		handshakeCtx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
		err := tlsConn.HandshakeContext(handshakeCtx)
		cancel()
		if err != nil {
			logger.Warn("TLS handshake failed", "error", err)
			conn.Close()
			return
		}
		identity = PeerIdentity(tlsConn.ConnectionState())
		logger.Debug("TLS peer identity", "cn", identity.CN, "ou", identity.OU)
	}

	conn = &deadlineConn{Conn: conn, readTimeout: s.ReadTimeout, writeTimeout: s.WriteTimeout}
	layer := pdu.NewLayer(conn, s.Sessions.NewSession(), identity, logger)

	if err := layer.HandleConnection(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("AMHS connection ended", "error", err)
	} else {
		logger.Info("AMHS connection closed")
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// deadlineConn pushes the read and write deadlines forward before every
// operation so the timeouts bound idle time rather than connection lifetime.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
