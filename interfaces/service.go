// Package interfaces contains the collaborator interfaces shared by the MTA
// engines and their storage and transport implementations.
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/amhsnet/types"
)

// OutboundClient transfers a message to a peer MTA. An error means the
// transfer could not be completed and may be retried; a rejection by the
// peer is reported through the outcome instead.
type OutboundClient interface {
	Relay(ctx context.Context, endpoint string, msg *types.Message) (*types.RelayOutcome, error)
}

// AdmissionValidator checks a submission before it is stored. Rejections
// are ValidationErrors.
type AdmissionValidator interface {
	Validate(from, to, body string, profile types.Profile) error
	RequireEnabledChannel(ctx context.Context, name string) (*types.Channel, error)
	ValidateCertificateIdentity(channel *types.Channel, cn, ou string) error
}

// DeliveryReporter is notified when a peer rejects a relayed message
type DeliveryReporter interface {
	TransferRejected(ctx context.Context, msg *types.Message, outcome *types.RelayOutcome) error
}

// MessageAdmitter stores inbound messages. Implementations serialize
// admission through the priority queue.
type MessageAdmitter interface {
	Admit(ctx context.Context, msg *types.Message) (*types.Message, error)
}
