package types

import "time"

// Message is the central AMHS entity. Once persisted it is owned by the
// message store; pipeline stages mutate it in place and hand it back.
type Message struct {
	ID            string `bson:"_id,omitempty" json:"id,omitempty"`
	MessageID     string `bson:"message_id" json:"messageId"`
	MTSIdentifier string `bson:"mts_identifier,omitempty" json:"mtsIdentifier,omitempty"`

	// Addressing
	Sender              string `bson:"sender" json:"sender"`
	Recipient           string `bson:"recipient" json:"recipient"`
	SenderORAddress     string `bson:"sender_or_address,omitempty" json:"senderOrAddress,omitempty"`
	RecipientORAddress  string `bson:"recipient_or_address,omitempty" json:"recipientOrAddress,omitempty"`
	PresentationAddress string `bson:"presentation_address,omitempty" json:"presentationAddress,omitempty"`

	// Content
	Body     string   `bson:"body" json:"body"`
	Subject  string   `bson:"subject,omitempty" json:"subject,omitempty"`
	Profile  Profile  `bson:"profile" json:"profile"`
	Priority Priority `bson:"priority" json:"priority"`

	// Channel and certificate binding
	ChannelName   string `bson:"channel_name" json:"channelName"`
	CertificateCN string `bson:"certificate_cn,omitempty" json:"certificateCn,omitempty"`
	CertificateOU string `bson:"certificate_ou,omitempty" json:"certificateOu,omitempty"`

	// Reporting
	IPNRequest     int        `bson:"ipn_request,omitempty" json:"ipnRequest,omitempty"`
	DeliveryReport string     `bson:"delivery_report,omitempty" json:"deliveryReport,omitempty"`
	TimeoutDR      int        `bson:"timeout_dr,omitempty" json:"timeoutDr,omitempty"`
	DRExpirationAt *time.Time `bson:"dr_expiration_at,omitempty" json:"drExpirationAt,omitempty"`

	// Timestamps
	FilingTime time.Time `bson:"filing_time" json:"filingTime"`
	ReceivedAt time.Time `bson:"received_at" json:"receivedAt"`

	// Lifecycle
	State           State      `bson:"lifecycle_state" json:"lifecycleState"`
	LastStateChange *time.Time `bson:"last_state_change,omitempty" json:"lastStateChange,omitempty"`

	// Relay bookkeeping
	RelayAttemptCount  int        `bson:"relay_attempt_count" json:"relayAttemptCount"`
	RelayNextAttemptAt *time.Time `bson:"relay_next_attempt_at,omitempty" json:"relayNextAttemptAt,omitempty"`
	LastRelayError     string     `bson:"last_relay_error,omitempty" json:"lastRelayError,omitempty"`
	DeadLetterReason   string     `bson:"dead_letter_reason,omitempty" json:"deadLetterReason,omitempty"`
	TransferTrace      string     `bson:"transfer_trace,omitempty" json:"transferTrace,omitempty"`
	RecipientOutcomes  string     `bson:"recipient_outcomes,omitempty" json:"recipientOutcomes,omitempty"`
}

// RelayAddress returns the address used for routing: the recipient O/R
// address when present, otherwise the recipient.
func (m *Message) RelayAddress() string {
	if m.RecipientORAddress != "" {
		return m.RecipientORAddress
	}
	return m.Recipient
}

// RelayIdentifier returns the MTS identifier used on the wire, falling back
// to the message id.
func (m *Message) RelayIdentifier() string {
	if m.MTSIdentifier != "" {
		return m.MTSIdentifier
	}
	return m.MessageID
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.DRExpirationAt = cloneTime(m.DRExpirationAt)
	clone.LastStateChange = cloneTime(m.LastStateChange)
	clone.RelayNextAttemptAt = cloneTime(m.RelayNextAttemptAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RecipientOutcome is the transfer result reported by a peer MTA for one
// recipient. Status is an opaque code in 0..255.
type RecipientOutcome struct {
	Recipient  string `bson:"recipient" json:"recipient"`
	Status     int    `bson:"status" json:"status"`
	Diagnostic string `bson:"diagnostic,omitempty" json:"diagnostic,omitempty"`
}

// RelayOutcome is the result of one outbound transfer attempt.
type RelayOutcome struct {
	Accepted          bool
	MTSIdentifier     string
	Diagnostic        string
	RecipientOutcomes []RecipientOutcome
}
