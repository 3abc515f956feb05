// Package sms sends text messages through the SMS gateway and models the
// delivery reports (DLRs) the gateway posts back.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/sts/internal/httpx"
)

// Sender dispatches one SMS
type Sender interface {
	Send(ctx context.Context, recipient, message, tag string) (Response, error)
}

// Response is what the STS records about an accepted message
type Response struct {
	TransactionID string    `json:"transaction_id"`
	CorrelationID string    `json:"correlation_id"`
	Recipient     string    `json:"recipient"`
	Tag           string    `json:"tag,omitempty"`
	AcceptedAt    time.Time `json:"accepted_at"`
}

// GatewayConfig configures the HTTP gateway client
type GatewayConfig struct {
	URL        string
	APIKey     string
	Sender     string
	DefaultTag string
	// DeliveryReportURL is where the gateway posts DLRs; empty disables them
	DeliveryReportURL string
	Timeout           time.Duration
}

// GatewayClient posts messages to the gateway's JSON API
type GatewayClient struct {
	cfg    GatewayConfig
	client *httpx.Client
}

// NewGatewayClient creates a gateway client authenticating with the API key
func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	return &GatewayClient{
		cfg:    cfg,
		client: httpx.NewClient(cfg.Timeout).WithBearer(cfg.APIKey),
	}
}

type outMessage struct {
	TransactionID     string   `json:"transactionId"`
	CorrelationID     string   `json:"correlationId"`
	Sender            string   `json:"sender"`
	Recipient         string   `json:"recipient"`
	Content           string   `json:"content"`
	Tags              []string `json:"tags,omitempty"`
	DeliveryReportURL string   `json:"deliveryReportUrl,omitempty"`
}

// Send posts the message. An empty tag falls back to the configured default.
func (g *GatewayClient) Send(ctx context.Context, recipient, message, tag string) (Response, error) {
	if tag == "" {
		tag = g.cfg.DefaultTag
	}
	msg := outMessage{
		TransactionID:     uuid.NewString(),
		CorrelationID:     uuid.NewString(),
		Sender:            g.cfg.Sender,
		Recipient:         recipient,
		Content:           message,
		DeliveryReportURL: g.cfg.DeliveryReportURL,
	}
	if tag != "" {
		msg.Tags = []string{tag}
	}

	if err := g.client.PostJSON(ctx, strings.TrimRight(g.cfg.URL, "/")+"/out-messages", msg, nil); err != nil {
		return Response{}, fmt.Errorf("send sms to %s: %w", recipient, err)
	}
	return Response{
		TransactionID: msg.TransactionID,
		CorrelationID: msg.CorrelationID,
		Recipient:     recipient,
		Tag:           tag,
		AcceptedAt:    time.Now().UTC(),
	}, nil
}

// DeliveryReport is the callback payload describing the fate of one message
type DeliveryReport struct {
	CorrelationID      string   `json:"correlationId"`
	TransactionID      string   `json:"transactionId"`
	SessionID          string   `json:"sessionId,omitempty"`
	Price              *float64 `json:"price,omitempty"`
	Sender             string   `json:"sender"`
	Recipient          string   `json:"recipient"`
	OperatorID         string   `json:"operatorId,omitempty"`
	StatusCode         string   `json:"statusCode"`
	DetailedStatusCode string   `json:"detailedStatusCode"`
	Delivered          *bool    `json:"delivered,omitempty"`
	Billed             *bool    `json:"billed,omitempty"`
	SmscTransactionID  string   `json:"smscTransactionId,omitempty"`
	SmscMessageParts   *int     `json:"smscMessageParts,omitempty"`
	Received           string   `json:"received,omitempty"`
}

// ParseDeliveryReport decodes a DLR payload
func ParseDeliveryReport(data []byte) (DeliveryReport, error) {
	var r DeliveryReport
	if err := json.Unmarshal(data, &r); err != nil {
		return DeliveryReport{}, fmt.Errorf("parse delivery report: %w", err)
	}
	return r, nil
}

// Successful reports whether the gateway confirmed delivery
func (r DeliveryReport) Successful() bool {
	return r.Delivered != nil && *r.Delivered
}

// UnknownSubscriber reports a failure caused by a number that does not exist.
// Such failures say nothing about gateway health.
func (r DeliveryReport) UnknownSubscriber() bool {
	return strings.Contains(strings.ToUpper(r.DetailedStatusCode), "UNKNOWNSUBSCRIBER")
}

// countryCodes are stripped from recipients of at least ten digits
var countryCodes = []string{"47", "46", "45"}

// RecipientWithoutCountryCode maps "+4798079008" to "98079008", the form
// phone numbers are keyed by inside the STS.
func (r DeliveryReport) RecipientWithoutCountryCode() string {
	return StripCountryCode(r.Recipient)
}

// StripCountryCode removes a leading "+" and a Nordic country code
func StripCountryCode(phone string) string {
	normalized := strings.TrimPrefix(phone, "+")
	if len(normalized) < 10 {
		return normalized
	}
	for _, cc := range countryCodes {
		if strings.HasPrefix(normalized, cc) {
			return normalized[len(cc):]
		}
	}
	return normalized
}

func (r DeliveryReport) String() string {
	delivered := "unknown"
	if r.Delivered != nil {
		delivered = fmt.Sprint(*r.Delivered)
	}
	return fmt.Sprintf("DeliveryReport{recipient=%s, transactionId=%s, correlationId=%s, statusCode=%s, detailedStatusCode=%s, delivered=%s}",
		r.Recipient, r.TransactionID, r.CorrelationID, r.StatusCode, r.DetailedStatusCode, delivered)
}
