package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/metrics"
)

// TPKT header values
const (
	TPKTVersion    = 0x03
	TPKTReserved   = 0x00
	tpktHeaderLen  = 4
	MinTPKTLength  = 7
	MaxTPKTLength  = 65535
	dtHeaderLen    = 3
	eotFlag        = 0x80
	MaxUserData    = 16384
	MaxMessageSize = 16 << 20
)

// COTP TPDU types (high nibble of the second octet)
const (
	TypeCR byte = 0xE0
	TypeCC byte = 0xD0
	TypeDT byte = 0xF0
)

// TypeName returns the conventional name of a TPDU type
func TypeName(t byte) string {
	switch t {
	case TypeCR:
		return "CR"
	case TypeCC:
		return "CC"
	case TypeDT:
		return "DT"
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}

// Frame is one COTP TPDU. For DT frames Payload holds the user data; for
// CR and CC it holds the whole TPDU so it can be parsed with
// ParseConnectionTPDU.
type Frame struct {
	Type      byte
	EndOfTSDU bool
	Payload   []byte
}

// Reader reads RFC1006 frames from a byte stream. Both TPKT framing and the
// legacy two-octet length prefix are accepted.
type Reader struct {
	r io.Reader
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame reads a single frame. A clean EOF before the first octet
// returns io.EOF; an EOF anywhere later fails with ErrTruncatedFrame.
func (r *Reader) ReadFrame() (*Frame, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r.r, prefix[:1]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if err := r.readFull(prefix[1:], "frame header"); err != nil {
		return nil, err
	}

	if prefix[0] != TPKTVersion || prefix[1] != TPKTReserved {
		return r.readLegacy(binary.BigEndian.Uint16(prefix[:]))
	}

	var lengthBytes [2]byte
	if err := r.readFull(lengthBytes[:], "TPKT length"); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(lengthBytes[:]))
	if length < MinTPKTLength {
		return nil, amhserrors.NewDecodeError("tpkt", 2, fmt.Sprintf("invalid TPKT frame length: %d", length))
	}

	tpdu := make([]byte, length-tpktHeaderLen)
	if err := r.readFull(tpdu, "COTP TPDU"); err != nil {
		return nil, err
	}

	frame, err := parseTPDU(tpdu)
	if err != nil {
		return nil, err
	}
	metrics.Frames.WithLabelValues(metrics.DirectionRead, TypeName(frame.Type)).Inc()
	return frame, nil
}

// ReadMessage reads one logical message. DT user data is concatenated until
// a frame with EOT set arrives. A CR or CC at a message boundary is
// returned as-is; one arriving mid-reassembly is an error.
func (r *Reader) ReadMessage() (*Frame, error) {
	var payload []byte
	started := false
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			if started && errors.Is(err, io.EOF) {
				return nil, amhserrors.WrapDecodeError("cotp", -1, "connection closed during DT reassembly", amhserrors.ErrTruncatedFrame)
			}
			return nil, err
		}

		if frame.Type != TypeDT {
			if started {
				return nil, amhserrors.NewDecodeError("cotp", -1,
					fmt.Sprintf("unexpected %s TPDU during DT reassembly", TypeName(frame.Type)))
			}
			return frame, nil
		}

		started = true
		if len(payload)+len(frame.Payload) > MaxMessageSize {
			return nil, amhserrors.NewDecodeError("cotp", -1, fmt.Sprintf("reassembled message exceeds %d octets", MaxMessageSize))
		}
		payload = append(payload, frame.Payload...)
		if frame.EndOfTSDU {
			if payload == nil {
				payload = []byte{}
			}
			return &Frame{Type: TypeDT, EndOfTSDU: true, Payload: payload}, nil
		}
	}
}

func (r *Reader) readLegacy(length uint16) (*Frame, error) {
	payload := make([]byte, length)
	if err := r.readFull(payload, "legacy payload"); err != nil {
		return nil, err
	}
	metrics.Frames.WithLabelValues(metrics.DirectionRead, "LEGACY").Inc()
	return &Frame{Type: TypeDT, EndOfTSDU: true, Payload: payload}, nil
}

func (r *Reader) readFull(buf []byte, what string) error {
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return amhserrors.WrapDecodeError("tpkt", -1, "connection closed while reading "+what, amhserrors.ErrTruncatedFrame)
		}
		return err
	}
	return nil
}

func parseTPDU(tpdu []byte) (*Frame, error) {
	if len(tpdu) < 2 {
		return nil, amhserrors.NewDecodeError("cotp", 0, "short COTP TPDU")
	}
	li := int(tpdu[0])
	if li+1 > len(tpdu) {
		return nil, amhserrors.NewDecodeError("cotp", 0, fmt.Sprintf("COTP length indicator %d exceeds frame", li))
	}

	switch tpduType := tpdu[1] & 0xF0; tpduType {
	case TypeDT:
		if li < 2 {
			return nil, amhserrors.NewDecodeError("cotp", 0, "short COTP DT TPDU")
		}
		return &Frame{
			Type:      TypeDT,
			EndOfTSDU: tpdu[2]&eotFlag != 0,
			Payload:   tpdu[li+1:],
		}, nil
	case TypeCR, TypeCC:
		return &Frame{Type: tpduType, EndOfTSDU: true, Payload: tpdu}, nil
	default:
		return nil, amhserrors.NewDecodeError("cotp", 1, fmt.Sprintf("unsupported COTP TPDU type 0x%02X", tpduType))
	}
}

// Writer writes RFC1006 frames.
type Writer struct {
	w           io.Writer
	maxUserData int
}

// NewWriter wraps w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, maxUserData: MaxUserData}
}

// SetMaxUserData lowers the DT chunk size, typically to a size negotiated
// in the CR. Values outside (0, MaxUserData] are ignored.
func (w *Writer) SetMaxUserData(n int) {
	if n > 0 && n <= MaxUserData {
		w.maxUserData = n
	}
}

// Send writes payload as one or more DT frames, each in its own TPKT. Only
// the last frame carries EOT. An empty payload is sent as a single empty
// EOT frame.
func (w *Writer) Send(payload []byte) error {
	for {
		n := len(payload)
		if n > w.maxUserData {
			n = w.maxUserData
		}
		last := n == len(payload)

		tpdu := make([]byte, dtHeaderLen+n)
		tpdu[0] = 0x02
		tpdu[1] = TypeDT
		if last {
			tpdu[2] = eotFlag
		}
		copy(tpdu[dtHeaderLen:], payload[:n])
		if err := w.writeTPKT(tpdu, TypeDT); err != nil {
			return err
		}

		payload = payload[n:]
		if last {
			return nil
		}
	}
}

// SendConnectionConfirm answers a CR with a CC carrying the CR's
// references swapped.
func (w *Writer) SendConnectionConfirm(cr *ConnectionTPDU) error {
	cc := []byte{
		0x06,
		TypeCC,
		byte(cr.SourceRef >> 8), byte(cr.SourceRef),
		byte(cr.DestinationRef >> 8), byte(cr.DestinationRef),
		0x00,
	}
	return w.writeTPKT(cc, TypeCC)
}

// SendConnectionRequest writes the fixed CR used by outbound connections.
func (w *Writer) SendConnectionRequest() error {
	cr := []byte{0x06, TypeCR, 0x00, 0x01, 0x00, 0x00, 0x0A}
	return w.writeTPKT(cr, TypeCR)
}

func (w *Writer) writeTPKT(tpdu []byte, tpduType byte) error {
	length := tpktHeaderLen + len(tpdu)
	if length > MaxTPKTLength {
		return fmt.Errorf("TPKT frame too large: %d", length)
	}
	frame := make([]byte, length)
	frame[0] = TPKTVersion
	frame[1] = TPKTReserved
	binary.BigEndian.PutUint16(frame[2:4], uint16(length))
	copy(frame[tpktHeaderLen:], tpdu)

	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s TPDU: %w", TypeName(tpduType), err)
	}
	metrics.Frames.WithLabelValues(metrics.DirectionWrite, TypeName(tpduType)).Inc()
	return nil
}

// Parameter is a raw COTP variable-part parameter.
type Parameter struct {
	Code  byte
	Value []byte
}

// ConnectionTPDU is a parsed CR or CC TPDU.
type ConnectionTPDU struct {
	Type           byte
	DestinationRef uint16
	SourceRef      uint16
	Class          int
	// TPDUSize is zero when the peer did not propose one.
	TPDUSize          int
	UnknownParameters []Parameter
}

const paramTPDUSize = 0xC0

// ParseConnectionTPDU parses a CR or CC TPDU.
func ParseConnectionTPDU(tpdu []byte) (*ConnectionTPDU, error) {
	if len(tpdu) < 7 {
		return nil, amhserrors.NewDecodeError("cotp", 0, "COTP CR/CC TPDU too short")
	}
	li := int(tpdu[0])
	if li < 6 || li+1 > len(tpdu) {
		return nil, amhserrors.NewDecodeError("cotp", 0, "invalid COTP length indicator")
	}
	tpduType := tpdu[1] & 0xF0
	if tpduType != TypeCR && tpduType != TypeCC {
		return nil, amhserrors.NewDecodeError("cotp", 1, "expected COTP CR/CC TPDU")
	}

	c := &ConnectionTPDU{
		Type:           tpduType,
		DestinationRef: binary.BigEndian.Uint16(tpdu[2:4]),
		SourceRef:      binary.BigEndian.Uint16(tpdu[4:6]),
		Class:          int(tpdu[6] & 0x0F),
	}

	end := li + 1
	for offset := 7; offset+2 <= end; {
		code := tpdu[offset]
		paramLen := int(tpdu[offset+1])
		offset += 2
		if offset+paramLen > end {
			return nil, amhserrors.NewDecodeError("cotp", offset, "invalid COTP parameter length")
		}
		value := make([]byte, paramLen)
		copy(value, tpdu[offset:offset+paramLen])
		if code == paramTPDUSize && paramLen == 1 && value[0] < 31 {
			c.TPDUSize = 1 << value[0]
		} else {
			c.UnknownParameters = append(c.UnknownParameters, Parameter{Code: code, Value: value})
		}
		offset += paramLen
	}
	return c, nil
}

// MaxUserData returns the DT user data that fits the negotiated TPDU size,
// or 16384 when none was proposed.
func (c *ConnectionTPDU) MaxUserData() int {
	if c.TPDUSize > dtHeaderLen {
		return min(c.TPDUSize-dtHeaderLen, MaxUserData)
	}
	return MaxUserData
}

// Serialize re-encodes the TPDU including its parameters.
func (c *ConnectionTPDU) Serialize() []byte {
	var params []byte
	if c.TPDUSize > 0 {
		exponent := 0
		for size := c.TPDUSize; size > 1; size >>= 1 {
			exponent++
		}
		params = append(params, paramTPDUSize, 0x01, byte(exponent))
	}
	for _, p := range c.UnknownParameters {
		params = append(params, p.Code, byte(len(p.Value)))
		params = append(params, p.Value...)
	}

	tpdu := make([]byte, 7, 7+len(params))
	tpdu[0] = byte(6 + len(params))
	tpdu[1] = c.Type
	binary.BigEndian.PutUint16(tpdu[2:4], c.DestinationRef)
	binary.BigEndian.PutUint16(tpdu[4:6], c.SourceRef)
	tpdu[6] = byte(c.Class & 0x0F)
	return append(tpdu, params...)
}
