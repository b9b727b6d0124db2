package vnpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderVNPay
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, ok := readString(cfg.Config, "hash_secret")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	return &Adapter{hashSecret: secret}, nil
}

type Adapter struct {
	hashSecret string
}

// Verify recomputes the secure hash over the sorted vnp_ parameters the
// way VNPay signs its IPN callbacks: key=value pairs joined by "&",
// excluding the hash fields themselves, HMAC-SHA512 with the merchant
// hash secret.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	params := map[string]string{}
	if err := json.Unmarshal(payload, &params); err != nil {
		return paymentdomain.ErrInvalidPayload
	}

	received := strings.TrimSpace(params["vnp_SecureHash"])
	if received == "" {
		return paymentdomain.ErrInvalidSignature
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		if key == "vnp_SecureHash" || key == "vnp_SecureHashType" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}
	signedData := strings.Join(pairs, "&")

	mac := hmac.New(sha512.New, []byte(a.hashSecret))
	_, _ = mac.Write([]byte(signedData))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(received)), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type vnpayCallback struct {
	TxnRef        string      `json:"vnp_TxnRef"`
	ResponseCode  string      `json:"vnp_ResponseCode"`
	Amount        json.Number `json:"vnp_Amount"`
	TransactionNo string      `json:"vnp_TransactionNo"`
	PayDate       string      `json:"vnp_PayDate"`
	CurrCode      string      `json:"vnp_CurrCode"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var callback vnpayCallback
	if err := json.Unmarshal(payload, &callback); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	paymentID := strings.TrimSpace(callback.TxnRef)
	if paymentID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	providerTxNo := strings.TrimSpace(callback.TransactionNo)
	if providerTxNo == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	eventType := paymentdomain.EventTypePaymentFailed
	if strings.TrimSpace(callback.ResponseCode) == "00" {
		eventType = paymentdomain.EventTypePaymentSucceeded
	}

	// VNPay reports amounts multiplied by 100.
	rawAmount, err := callback.Amount.Int64()
	if err != nil || rawAmount < 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}
	amount := rawAmount / 100

	currency := strings.ToUpper(strings.TrimSpace(callback.CurrCode))
	if currency == "" {
		currency = "VND"
	}

	return &paymentdomain.PaymentEvent{
		Provider:          paymentdomain.ProviderVNPay,
		ProviderEventID:   providerTxNo,
		ProviderPaymentID: providerTxNo,
		PaymentID:         paymentID,
		Type:              eventType,
		Amount:            amount,
		Currency:          currency,
		OccurredAt:        parsePayDate(callback.PayDate),
		RawPayload:        payload,
	}, nil
}

func parsePayDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC()
	}
	parsed, err := time.ParseInLocation("20060102150405", value, time.UTC)
	if err != nil {
		return time.Now().UTC()
	}
	return parsed
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
