package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/amhsnet/acse"
	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/p1"
	"github.com/caio-sobreiro/amhsnet/pdu"
	"github.com/caio-sobreiro/amhsnet/types"
)

// mockConn implements net.Conn for testing
type mockConn struct {
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	closed   bool
}

func newMockConn() *mockConn {
	return &mockConn{
		readBuf:  new(bytes.Buffer),
		writeBuf: new(bytes.Buffer),
	}
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	if m.closed {
		return 0, io.EOF
	}
	return m.readBuf.Read(b)
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr                { return nil }
func (m *mockConn) RemoteAddr() net.Addr               { return nil }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// startPeer runs an RFC1006 listener answering with handler
func startPeer(t *testing.T, handler pdu.MessageHandlerFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = pdu.NewLayer(conn, handler, pdu.PeerIdentity{}, nil).HandleConnection(ctx)
			}()
		}
	}()

	t.Cleanup(func() {
		cancel()
		ln.Close()
		wg.Wait()
	})
	return ln.Addr().String()
}

// scriptedPeer answers Bind with bindResult and Transfer with onTransfer
func scriptedPeer(bindResult []byte, onTransfer func(*p1.Message) []byte) pdu.MessageHandlerFunc {
	return func(ctx context.Context, payload []byte, layer *pdu.Layer) ([]byte, error) {
		decoded, err := p1.Decode(payload)
		if err != nil {
			return nil, err
		}
		switch p := decoded.(type) {
		case *p1.Bind:
			return bindResult, nil
		case *p1.Transfer:
			msg, err := p1.ParseMessage(p.Payload)
			if err != nil {
				return nil, err
			}
			return onTransfer(msg), nil
		case *p1.Release:
			return p1.EncodeReleaseResult(), io.EOF
		}
		return nil, io.EOF
	}
}

func testMessage() *types.Message {
	return &types.Message{
		MessageID: "m-1",
		Sender:    "LIRRZQZX",
		Recipient: "LIMMZQZX",
		Body:      "FPL-AZA123",
		Profile:   types.ProfileP1,
		Priority:  types.PriorityFF,
	}
}

func TestRelayAccepted(t *testing.T) {
	received := make(chan *p1.Message, 1)
	addr := startPeer(t, scriptedPeer(p1.EncodeBindResult(true, ""), func(msg *p1.Message) []byte {
		received <- msg
		return p1.EncodeTransferResult(&p1.TransferResult{
			Accepted:         true,
			MTSIdentifier:    "PEER-MTS-1",
			RecipientResults: []p1.RecipientResult{{Address: msg.To, Status: 0}},
		})
	}))

	outcome, err := NewP1Client(Config{}).Relay(context.Background(), addr, testMessage())
	require.NoError(t, err)

	assert.Equal(t, &types.RelayOutcome{
		Accepted:          true,
		MTSIdentifier:     "PEER-MTS-1",
		RecipientOutcomes: []types.RecipientOutcome{{Recipient: "LIMMZQZX", Status: 0}},
	}, outcome)

	select {
	case msg := <-received:
		assert.Equal(t, "m-1", msg.MessageID)
		assert.Equal(t, "FPL-AZA123", msg.Body)
		assert.Equal(t, types.PriorityFF, msg.Priority)
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not receive the transfer")
	}
}

func TestRelayRejectedByPeer(t *testing.T) {
	addr := startPeer(t, scriptedPeer(p1.EncodeBindResult(true, ""), func(msg *p1.Message) []byte {
		return p1.EncodeTransferResult(&p1.TransferResult{
			Diagnostic:       "recipient unknown",
			RecipientResults: []p1.RecipientResult{{Address: msg.To, Status: 1, Diagnostic: "unknown"}},
		})
	}))

	msg := testMessage()
	msg.MTSIdentifier = "LOCAL-MTS-9"
	outcome, err := NewP1Client(Config{}).Relay(context.Background(), addr, msg)
	require.NoError(t, err)

	assert.False(t, outcome.Accepted)
	assert.Equal(t, "recipient unknown", outcome.Diagnostic)
	assert.Equal(t, "LOCAL-MTS-9", outcome.MTSIdentifier, "falls back to the local MTS identifier")
	require.Len(t, outcome.RecipientOutcomes, 1)
	assert.Equal(t, 1, outcome.RecipientOutcomes[0].Status)
}

func TestRelayBindRejected(t *testing.T) {
	addr := startPeer(t, scriptedPeer(p1.EncodeBindResult(false, "unknown MTA"), nil))

	_, err := NewP1Client(Config{CallingMTA: "LOCAL-MTA"}).Relay(context.Background(), addr, testMessage())
	require.Error(t, err)
	assert.True(t, amhserrors.IsTransport(err))
	assert.ErrorIs(t, err, amhserrors.ErrBindRejected)
	assert.Contains(t, err.Error(), "unknown MTA")
}

func TestRelayAbortedByPeer(t *testing.T) {
	addr := startPeer(t, scriptedPeer(p1.EncodeBindResult(true, ""), func(*p1.Message) []byte {
		return p1.EncodeAbort("shutting down")
	}))

	_, err := NewP1Client(Config{}).Relay(context.Background(), addr, testMessage())
	require.Error(t, err)
	assert.True(t, amhserrors.IsTransport(err))

	var abortErr *amhserrors.AbortError
	require.True(t, errors.As(err, &abortErr))
	assert.Equal(t, "shutting down", abortErr.Diagnostic)
}

func TestRelayConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewP1Client(Config{ConnectTimeout: time.Second}).Relay(context.Background(), addr, testMessage())
	require.Error(t, err)
	assert.True(t, amhserrors.IsTransport(err))
}

func TestAssociationStates(t *testing.T) {
	addr := startPeer(t, scriptedPeer(p1.EncodeBindResult(true, ""), func(msg *p1.Message) []byte {
		return p1.EncodeTransferResult(&p1.TransferResult{Accepted: true})
	}))

	assoc, err := Connect(context.Background(), addr, Config{})
	require.NoError(t, err)
	defer assoc.Close()
	assert.Equal(t, acse.StateIdle, assoc.State())

	_, err = assoc.Transfer(testMessage())
	assert.Error(t, err, "transfer before bind")

	require.NoError(t, assoc.Bind())
	assert.Equal(t, acse.StateEstablished, assoc.State())

	outcome, err := assoc.Transfer(testMessage())
	require.NoError(t, err)
	assert.Equal(t, "m-1", outcome.MTSIdentifier)

	require.NoError(t, assoc.Release())
	assert.Equal(t, acse.StateClosed, assoc.State())
}

func TestConnectExpectsCC(t *testing.T) {
	conn := newMockConn()
	if err := pdu.NewWriter(conn.readBuf).Send([]byte{0x01}); err != nil {
		t.Fatalf("failed to build DT frame: %v", err)
	}

	assoc := newAssociation(conn, "peer:102", Config{Logger: nil, ReadTimeout: time.Second, WriteTimeout: time.Second})
	err := assoc.connect()
	if err == nil {
		t.Fatal("expected an error for a DT reply to CR")
	}
	if !amhserrors.IsTransport(err) {
		t.Errorf("expected a transport error, got %v", err)
	}

	// the CR must have been written first
	if conn.writeBuf.Len() == 0 {
		t.Fatal("no CR was written")
	}
	if got := conn.writeBuf.Bytes()[5]; got != pdu.TypeCR {
		t.Errorf("first TPDU type = 0x%02X, want CR", got)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mta.enav.it", "mta.enav.it:102"},
		{"mta.enav.it:1102", "mta.enav.it:1102"},
		{"10.0.0.1", "10.0.0.1:102"},
		{"::1", "[::1]:102"},
		{"[::1]:3000", "[::1]:3000"},
	}
	for _, tt := range tests {
		if got := NormalizeEndpoint(tt.in); got != tt.want {
			t.Errorf("NormalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
