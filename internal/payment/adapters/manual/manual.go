package manual

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
)

// The manual provider covers bank transfers and other payments an
// operator confirms by hand from the back office. The "webhook" is an
// internal call guarded by a shared token.

const tokenHeader = "X-Carelink-Webhook-Token"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderManual
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	token, ok := readString(cfg.Config, "webhook_token")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	return &Adapter{webhookToken: token}, nil
}

type Adapter struct {
	webhookToken string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	received := strings.TrimSpace(headers.Get(tokenHeader))
	if received == "" {
		return paymentdomain.ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare([]byte(received), []byte(a.webhookToken)) != 1 {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type manualConfirmation struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	EventID   string `json:"event_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var confirmation manualConfirmation
	if err := json.Unmarshal(payload, &confirmation); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	paymentID := strings.TrimSpace(confirmation.PaymentID)
	if paymentID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var eventType string
	switch strings.ToLower(strings.TrimSpace(confirmation.Status)) {
	case "paid", "succeeded":
		eventType = paymentdomain.EventTypePaymentSucceeded
	case "failed":
		eventType = paymentdomain.EventTypePaymentFailed
	default:
		return nil, paymentdomain.ErrInvalidEvent
	}

	eventID := strings.TrimSpace(confirmation.EventID)
	if eventID == "" {
		// One confirmation per payment. Replays of the same payment id
		// dedupe against the first recorded event.
		eventID = "manual-" + paymentID
	}

	currency := strings.ToUpper(strings.TrimSpace(confirmation.Currency))
	if currency == "" {
		currency = "VND"
	}

	return &paymentdomain.PaymentEvent{
		Provider:          paymentdomain.ProviderManual,
		ProviderEventID:   eventID,
		ProviderPaymentID: strings.TrimSpace(confirmation.Reference),
		PaymentID:         paymentID,
		Type:              eventType,
		Amount:            confirmation.Amount,
		Currency:          currency,
		OccurredAt:        time.Now().UTC(),
		RawPayload:        payload,
	}, nil
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	switch cast := value.(type) {
	case string:
		return cast, true
	default:
		return "", false
	}
}
