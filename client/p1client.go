package client

import (
	"context"
	"strings"

	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/types"
)

// P1Client relays messages to peer MTAs, one association per message.
type P1Client struct {
	config Config
}

var _ interfaces.OutboundClient = (*P1Client)(nil)

// NewP1Client creates a client. Empty CallingMTA and CalledMTA are taken
// from each message's sender and recipient.
func NewP1Client(config Config) *P1Client {
	config.applyDefaults()
	return &P1Client{config: config}
}

// Relay connects to endpoint, binds, transfers msg and releases the
// association. Connection, bind and transfer failures are returned as
// TransportErrors; a peer rejection is reported in the outcome.
func (c *P1Client) Relay(ctx context.Context, endpoint string, msg *types.Message) (*types.RelayOutcome, error) {
	config := c.config
	if config.CallingMTA == "" {
		config.CallingMTA = strings.TrimSpace(msg.Sender)
	}
	if config.CalledMTA == "" {
		config.CalledMTA = strings.TrimSpace(msg.Recipient)
	}

	assoc, err := Connect(ctx, endpoint, config)
	if err != nil {
		return nil, err
	}
	defer assoc.Close()
	stop := context.AfterFunc(ctx, func() { _ = assoc.Close() })
	defer stop()

	if err := assoc.Bind(); err != nil {
		return nil, err
	}

	outcome, err := assoc.Transfer(msg)
	if err != nil {
		return nil, err
	}

	if err := assoc.Release(); err != nil && !isAbort(err) {
		assoc.logger.Debug("P1 release failed", "message_id", msg.MessageID, "error", err)
	}

	assoc.logger.Info("P1 transfer completed",
		"message_id", msg.MessageID,
		"mts_id", outcome.MTSIdentifier,
		"accepted", outcome.Accepted)
	return outcome, nil
}
