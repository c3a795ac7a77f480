package services

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/pdu"
	"github.com/caio-sobreiro/amhsnet/types"
)

// CommandRetrieve is the verb of the message retrieval command
const CommandRetrieve = "RETRIEVE"

// Text submission defaults
const (
	UnknownAddress  = "UNKNOWN"
	DefaultProfile  = types.ProfileP3
	DefaultPriority = types.PriorityGG
)

const compactFilingTime = "20060102150405"

var headerSeparator = regexp.MustCompile(`,|\n`)

// MessageReader is the read side RETRIEVE needs
type MessageReader interface {
	FindAll(ctx context.Context) ([]*types.Message, error)
	FindByMessageID(ctx context.Context, messageID string) (*types.Message, error)
}

var (
	_ MessageReader = (*MTAService)(nil)
	_ MessageReader = (interfaces.MessageStore)(nil)
)

// RetrieveCommand answers RETRIEVE ALL and RETRIEVE <message-id>.
type RetrieveCommand struct {
	reader MessageReader
}

// NewRetrieveCommand creates the RETRIEVE handler.
func NewRetrieveCommand(reader MessageReader) *RetrieveCommand {
	return &RetrieveCommand{reader: reader}
}

// HandleCommand implements CommandHandler.
func (c *RetrieveCommand) HandleCommand(ctx context.Context, line string) (string, error) {
	switch {
	case strings.EqualFold(line, CommandRetrieve+" ALL"):
		msgs, err := c.reader.FindAll(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list messages: %w", err)
		}
		return FormatMessageList(msgs), nil
	case strings.HasPrefix(strings.ToUpper(line), CommandRetrieve+" "):
		messageID := strings.TrimSpace(line[len(CommandRetrieve)+1:])
		msg, err := c.reader.FindByMessageID(ctx, messageID)
		if err != nil {
			return "", fmt.Errorf("failed to look up message %s: %w", messageID, err)
		}
		return FormatMessageDetail(messageID, msg), nil
	default:
		return UnknownCommandResponse, nil
	}
}

// ParseTextSubmission parses a header-style submission: key: value pairs
// separated by commas or newlines. Unsupported profile, priority and
// filing time values fall back to defaults with a warning. The certificate
// identity of the connection is attached.
func ParseTextSubmission(text string, identity pdu.PeerIdentity, logger *slog.Logger) Submission {
	if logger == nil {
		logger = slog.Default()
	}

	headers := make(map[string]string)
	body := ""
	for _, part := range headerSeparator.Split(text, -1) {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if strings.EqualFold(key, "Body") {
			body = value
			continue
		}
		headers[key] = value
	}

	header := func(key, def string) string {
		if v, ok := headers[key]; ok {
			return v
		}
		return def
	}

	messageID := header("Message-ID", "")
	if _, ok := headers["Message-ID"]; !ok {
		messageID = uuid.NewString()
	}

	profile, err := types.ParseProfile(header("Profile", string(DefaultProfile)))
	if err != nil {
		logger.Warn("Unsupported profile, defaulting", "profile", headers["Profile"], "default", DefaultProfile)
		profile = DefaultProfile
	}
	priority, err := types.ParsePriority(header("Priority", string(DefaultPriority)))
	if err != nil {
		logger.Warn("Unsupported priority, defaulting", "priority", headers["Priority"], "default", DefaultPriority)
		priority = DefaultPriority
	}

	return Submission{
		MessageID:     messageID,
		From:          header("From", UnknownAddress),
		To:            header("To", UnknownAddress),
		Body:          body,
		Profile:       profile,
		Priority:      priority,
		Subject:       header("Subject", ""),
		Channel:       header("Channel", types.DefaultChannelName),
		CertificateCN: identity.CN,
		CertificateOU: identity.OU,
		FilingTime:    parseFilingTime(headers["Filing-Time"], logger),
	}
}

// parseFilingTime accepts RFC3339 or yyyyMMddHHmmss in UTC. Anything else
// yields the zero time, which admission replaces with now.
func parseFilingTime(value string, logger *slog.Logger) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	if t, err := time.ParseInLocation(compactFilingTime, value, time.UTC); err == nil {
		return t
	}
	logger.Warn("Invalid Filing-Time, defaulting to now", "filing_time", value)
	return time.Time{}
}
