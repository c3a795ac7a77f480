package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/caio-sobreiro/amhsnet/client"
	"github.com/caio-sobreiro/amhsnet/relay"
	"github.com/caio-sobreiro/amhsnet/types"
)

func newSendCmd() *cobra.Command {
	var (
		endpoint   string
		from       string
		to         string
		body       string
		priority   string
		messageID  string
		callingMTA string
		calledMTA  string
		timeout    time.Duration
		useTLS     bool
		insecure   bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Relay a single message to a peer MTA over P1",
		Example: `  amhs-mta send --endpoint mta1.enav.it:102 --from LIRRZQZX --to LIMMZQZX \
    --priority FF --body "FPL-AZA123-IS"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(verbose)

			prio, err := types.ParsePriority(priority)
			if err != nil {
				return err
			}
			if messageID == "" {
				messageID = uuid.NewString()
			}
			msg := &types.Message{
				MessageID:  messageID,
				Sender:     strings.ToUpper(strings.TrimSpace(from)),
				Recipient:  strings.ToUpper(strings.TrimSpace(to)),
				Body:       body,
				Profile:    types.ProfileP1,
				Priority:   prio,
				FilingTime: time.Now().UTC(),
			}

			config := client.Config{
				CallingMTA:     callingMTA,
				CalledMTA:      calledMTA,
				ConnectTimeout: timeout,
				ReadTimeout:    timeout,
				WriteTimeout:   timeout,
				Logger:         log,
			}
			if useTLS {
				config.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			outcome, err := client.NewP1Client(config).Relay(ctx, endpoint, msg)
			if err != nil {
				return fmt.Errorf("relaying %s to %s: %w", msg.MessageID, endpoint, err)
			}

			fmt.Printf("Message-ID: %s\nMTS-ID: %s\nAccepted: %t\n", msg.MessageID, outcome.MTSIdentifier, outcome.Accepted)
			if outcome.Diagnostic != "" {
				fmt.Printf("Diagnostic: %s\n", outcome.Diagnostic)
			}
			if len(outcome.RecipientOutcomes) > 0 {
				fmt.Printf("Recipients: %s\n", relay.FormatRecipientOutcomes(outcome.RecipientOutcomes))
			}
			if !outcome.Accepted {
				return errors.New("message rejected by peer")
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&endpoint, "endpoint", "e", "", "Peer MTA host[:port], port defaults to 102")
	fs.StringVar(&from, "from", "", "Originator address")
	fs.StringVar(&to, "to", "", "Recipient address")
	fs.StringVar(&body, "body", "", "Message body")
	fs.StringVar(&priority, "priority", string(types.PriorityGG), "Priority: SS, DD, FF, GG or KK")
	fs.StringVar(&messageID, "message-id", "", "Message identifier (default: random UUID)")
	fs.StringVar(&callingMTA, "calling-mta", "", "Bind initiator name (default: originator)")
	fs.StringVar(&calledMTA, "called-mta", "", "Bind responder name (default: recipient)")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "Connect and exchange timeout")
	fs.BoolVar(&useTLS, "tls", false, "Connect over TLS")
	fs.BoolVar(&insecure, "insecure", false, "Skip verification of the peer certificate")
	_ = cmd.MarkFlagRequired("endpoint")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}
