package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/caio-sobreiro/amhsnet/compliance"
	"github.com/caio-sobreiro/amhsnet/config"
	"github.com/caio-sobreiro/amhsnet/services"
	"github.com/caio-sobreiro/amhsnet/types"
)

// submitOptions is a locally originated submission. The X.400 fields are
// optional; when any is set the envelope attributes are stored as well.
type submitOptions struct {
	messageID string
	from      string
	to        string
	body      string
	subject   string
	channel   string
	profile   string
	priority  string

	senderORAddress     string
	recipientORAddress  string
	presentationAddress string
	deliveryReport      string
	ipnRequest          int
	timeoutDR           int
}

func (o *submitOptions) x400() bool {
	return o.senderORAddress != "" || o.recipientORAddress != "" || o.presentationAddress != "" ||
		o.deliveryReport != "" || o.ipnRequest != 0 || o.timeoutDR != 0
}

func (o *submitOptions) submit(ctx context.Context, mta *services.MTAService) (*types.Message, error) {
	profile, err := types.ParseProfile(o.profile)
	if err != nil {
		return nil, err
	}
	priority, err := types.ParsePriority(o.priority)
	if err != nil {
		return nil, err
	}
	sub := services.Submission{
		MessageID: o.messageID,
		From:      o.from,
		To:        o.to,
		Body:      o.body,
		Profile:   profile,
		Priority:  priority,
		Subject:   o.subject,
		Channel:   o.channel,
	}
	if !o.x400() {
		return mta.StoreMessage(ctx, sub)
	}
	return mta.StoreX400Message(ctx, services.X400Submission{
		Submission:          sub,
		SenderORAddress:     o.senderORAddress,
		RecipientORAddress:  o.recipientORAddress,
		PresentationAddress: o.presentationAddress,
		IPNRequest:          o.ipnRequest,
		DeliveryReport:      o.deliveryReport,
		TimeoutDR:           o.timeoutDR,
	})
}

// listMessages writes the messages matching channel and profile as a table.
// Blank filters match everything.
func listMessages(ctx context.Context, mta *services.MTAService, w io.Writer, channel, profile string) error {
	var p types.Profile
	if profile != "" {
		var err error
		if p, err = types.ParseProfile(profile); err != nil {
			return err
		}
	}
	msgs, err := mta.FindByFilters(ctx, channel, p)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE-ID\tFROM\tTO\tCHANNEL\tPROFILE\tPRIORITY\tSTATE\tRECEIVED")
	for _, msg := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			msg.MessageID, msg.Sender, msg.Recipient, msg.ChannelName,
			msg.Profile, msg.Priority, msg.State, msg.ReceivedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// openMessageService builds the admission service over the configured
// storage without starting any listener.
func openMessageService(ctx context.Context, cfg *config.Config, log *slog.Logger) (*services.MTAService, func(), error) {
	stores, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	channels, err := bootstrapChannels(ctx, cfg, stores, log)
	if err != nil {
		stores.close()
		return nil, nil, err
	}
	mta := services.NewMTAService(stores.messages, compliance.NewValidator(channels),
		services.WithMTALogger(log),
		services.WithMTAClock(clockwork.NewRealClock()),
		services.WithDatabaseEnabled(config.Enabled(cfg.Storage.DatabaseEnabled, true)),
	)
	return mta, stores.close, nil
}

func newMessagesCmd() *cobra.Command {
	var storage, mongoURI string

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Submit and list messages in the MTA store",
	}
	cmd.PersistentFlags().StringVar(&storage, "storage", "", "Storage driver: memory or mongodb")
	cmd.PersistentFlags().StringVar(&mongoURI, "mongo-uri", "", "MongoDB connection URI")

	// run loads the configuration, applies the storage overrides and hands
	// fn an admission service over that storage.
	run := func(cmd *cobra.Command, fn func(ctx context.Context, mta *services.MTAService) error) error {
		log := newLogger(verbose)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("storage") {
			cfg.Storage.Driver = strings.ToLower(storage)
		}
		if flags.Changed("mongo-uri") {
			cfg.Storage.MongoDB.URI = mongoURI
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid flags: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		mta, closeStores, err := openMessageService(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer closeStores()
		return fn(ctx, mta)
	}

	cmd.AddCommand(newMessagesSubmitCmd(run), newMessagesListCmd(run))
	return cmd
}

type messagesRunner func(cmd *cobra.Command, fn func(ctx context.Context, mta *services.MTAService) error) error

func newMessagesSubmitCmd(run messagesRunner) *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Store a locally originated message for relay",
		Example: `  amhs-mta messages submit --storage mongodb --mongo-uri mongodb://localhost:27017 \
    --from LIRRZQZX --to LFPGZQZX --profile P1 --priority FF --body "FPL-AZA123-IS" \
    --recipient-or "/C=FR/ADMD=ICAO/PRMD=DGAC/O=AFTN/OU1=LFPGZQZX"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, mta *services.MTAService) error {
				msg, err := opts.submit(ctx, mta)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Message-ID: %s\nState: %s\n", msg.MessageID, msg.State)
				return nil
			})
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.messageID, "message-id", "", "Message identifier (default: random UUID)")
	fs.StringVar(&opts.from, "from", "", "Originator address")
	fs.StringVar(&opts.to, "to", "", "Recipient address")
	fs.StringVar(&opts.body, "body", "", "Message body")
	fs.StringVar(&opts.subject, "subject", "", "Message subject")
	fs.StringVar(&opts.channel, "channel", "", "Channel name (default: "+types.DefaultChannelName+")")
	fs.StringVar(&opts.profile, "profile", string(types.ProfileP1), "Profile: P1, P3 or P7")
	fs.StringVar(&opts.priority, "priority", string(types.PriorityGG), "Priority: SS, DD, FF, GG or KK")
	fs.StringVar(&opts.senderORAddress, "sender-or", "", "Originator O/R address")
	fs.StringVar(&opts.recipientORAddress, "recipient-or", "", "Recipient O/R address used for routing")
	fs.StringVar(&opts.presentationAddress, "presentation-address", "", "Recipient presentation address")
	fs.StringVar(&opts.deliveryReport, "delivery-report", "", "Delivery report request")
	fs.IntVar(&opts.ipnRequest, "ipn-request", 0, "IPN request flag")
	fs.IntVar(&opts.timeoutDR, "timeout-dr", 0, "Delivery report timeout in seconds")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func newMessagesListCmd(run messagesRunner) *cobra.Command {
	var channel, profile string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored messages by channel and profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, mta *services.MTAService) error {
				return listMessages(ctx, mta, cmd.OutOrStdout(), channel, profile)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Channel name filter")
	cmd.Flags().StringVar(&profile, "profile", "", "Profile filter: P1, P3 or P7")
	return cmd
}
