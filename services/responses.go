package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/caio-sobreiro/amhsnet/types"
)

// Fixed text protocol replies
const (
	NoMessagesResponse     = "No messages.\n"
	UnknownCommandResponse = "Unknown command.\n"
	StatusReceived         = "RECEIVED"
	StatusRejected         = "REJECTED"
)

// recordSeparator joins RETRIEVE ALL records
const recordSeparator = "\n---\n"

// ResponseBuilder creates the text replies to one submission.
type ResponseBuilder struct {
	messageID string
	from      string
	to        string
}

// NewResponseBuilder creates a builder answering sub. The ACK swaps From
// and To so it addresses the originator.
func NewResponseBuilder(sub Submission) *ResponseBuilder {
	return &ResponseBuilder{messageID: sub.MessageID, from: sub.From, to: sub.To}
}

// Ack confirms the submission was stored.
func (b *ResponseBuilder) Ack() string {
	return fmt.Sprintf("Message-ID: %s\nFrom: %s\nTo: %s\nStatus: %s\n", b.messageID, b.to, b.from, StatusReceived)
}

// Nack reports why the submission was rejected.
func (b *ResponseBuilder) Nack(reason string) string {
	return fmt.Sprintf("Message-ID: %s\nStatus: %s\nError: %s\n", b.messageID, StatusRejected, reason)
}

// NewAckResponse creates an ACK for sub.
func NewAckResponse(sub Submission) string {
	return NewResponseBuilder(sub).Ack()
}

// NewNackResponse creates a NACK for sub.
func NewNackResponse(sub Submission, err error) string {
	return NewResponseBuilder(sub).Nack(err.Error())
}

// FormatMessageList renders the RETRIEVE ALL reply
func FormatMessageList(msgs []*types.Message) string {
	if len(msgs) == 0 {
		return NoMessagesResponse
	}
	records := make([]string, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, fmt.Sprintf("ID: %s | From: %s | Channel: %s | Priority: %s | Filing-Time: %s | Body: %s",
			m.MessageID, m.Sender, m.ChannelName, m.Priority, formatFilingTime(m.FilingTime), m.Body))
	}
	return strings.Join(records, recordSeparator) + "\n"
}

// FormatMessageDetail renders the RETRIEVE <id> reply. A nil message
// produces the not-found reply.
func FormatMessageDetail(messageID string, m *types.Message) string {
	if m == nil {
		return fmt.Sprintf("Message-ID %s not found.\n", messageID)
	}
	return fmt.Sprintf("From: %s\nTo: %s\nChannel: %s\nProfile: %s\nPriority: %s\nFiling-Time: %s\nBody: %s\n",
		m.Sender, m.Recipient, m.ChannelName, m.Profile, m.Priority, formatFilingTime(m.FilingTime), m.Body)
}

func formatFilingTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
