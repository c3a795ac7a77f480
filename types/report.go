package types

import "time"

// DefaultChannelName is used when a submission names no channel
const DefaultChannelName = "ATFM"

// Channel binds a logical AMHS channel to the certificate identity its
// submitters must present.
type Channel struct {
	ID         string `bson:"_id,omitempty" json:"id,omitempty"`
	Name       string `bson:"name" json:"name"`
	ExpectedCN string `bson:"expected_cn,omitempty" json:"expectedCn,omitempty"`
	ExpectedOU string `bson:"expected_ou,omitempty" json:"expectedOu,omitempty"`
	Enabled    bool   `bson:"enabled" json:"enabled"`
}

// ReportType distinguishes delivery from non-delivery reports
type ReportType string

const (
	ReportTypeDR  ReportType = "DR"
	ReportTypeNDR ReportType = "NDR"
)

// DeliveryStatus is the outcome recorded in a delivery report
type DeliveryStatus string

const (
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
	DeliveryStatusExpired   DeliveryStatus = "EXPIRED"
)

// X.411 diagnostic codes written into reports
const (
	X411Delivered       = "X411:0"
	X411TransferFailure = "X411:1"
	X411Timeout         = "X411:16"
)

// DeliveryReport is a DR or NDR generated for a message.
type DeliveryReport struct {
	ID                 string         `bson:"_id" json:"id"`
	MessageID          string         `bson:"message_id" json:"messageId"`
	Recipient          string         `bson:"recipient" json:"recipient"`
	ReportType         ReportType     `bson:"report_type" json:"reportType"`
	Status             DeliveryStatus `bson:"delivery_status" json:"deliveryStatus"`
	X411DiagnosticCode string         `bson:"x411_diagnostic_code,omitempty" json:"x411DiagnosticCode,omitempty"`
	NonDeliveryReason  string         `bson:"non_delivery_reason,omitempty" json:"nonDeliveryReason,omitempty"`
	ReturnOfContent    bool           `bson:"return_of_content" json:"returnOfContent"`
	ExpiresAt          *time.Time     `bson:"expires_at,omitempty" json:"expiresAt,omitempty"`
	CreatedAt          time.Time      `bson:"created_at" json:"createdAt"`
}
