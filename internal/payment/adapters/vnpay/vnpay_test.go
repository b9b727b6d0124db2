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
	"testing"

	"github.com/stretchr/testify/require"

	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
)

func newAdapter(t *testing.T, secret string) paymentdomain.PaymentAdapter {
	t.Helper()

	adapter, err := (&Factory{}).NewAdapter(paymentdomain.AdapterConfig{
		Config: map[string]any{"hash_secret": secret},
	})
	require.NoError(t, err)
	return adapter
}

func signedPayload(t *testing.T, secret string, params map[string]string) []byte {
	t.Helper()

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	params["vnp_SecureHash"] = hex.EncodeToString(mac.Sum(nil))

	payload, err := json.Marshal(params)
	require.NoError(t, err)
	return payload
}

func TestVerifyAcceptsValidHash(t *testing.T) {
	secret := "vnpay_secret"
	adapter := newAdapter(t, secret)

	payload := signedPayload(t, secret, map[string]string{
		"vnp_TxnRef":        "123456",
		"vnp_ResponseCode":  "00",
		"vnp_Amount":        "10000000",
		"vnp_TransactionNo": "14422574",
	})

	require.NoError(t, adapter.Verify(context.Background(), payload, http.Header{}))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	adapter := newAdapter(t, "vnpay_secret")

	payload := signedPayload(t, "other_secret", map[string]string{
		"vnp_TxnRef":       "123456",
		"vnp_ResponseCode": "00",
	})

	err := adapter.Verify(context.Background(), payload, http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestParseSuccessCallback(t *testing.T) {
	adapter := newAdapter(t, "vnpay_secret")

	payload := []byte(`{
		"vnp_TxnRef": "987654321",
		"vnp_ResponseCode": "00",
		"vnp_Amount": 10000000,
		"vnp_TransactionNo": "14422574",
		"vnp_PayDate": "20260316120000"
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.EventTypePaymentSucceeded, event.Type)
	require.Equal(t, "987654321", event.PaymentID)
	require.Equal(t, "14422574", event.ProviderEventID)
	require.Equal(t, int64(100000), event.Amount)
	require.Equal(t, "VND", event.Currency)
	require.Equal(t, 2026, event.OccurredAt.Year())
}

func TestParseFailureResponseCode(t *testing.T) {
	adapter := newAdapter(t, "vnpay_secret")

	payload := []byte(`{
		"vnp_TxnRef": "987654321",
		"vnp_ResponseCode": "24",
		"vnp_Amount": 10000000,
		"vnp_TransactionNo": "14422575"
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.EventTypePaymentFailed, event.Type)
}

func TestParseRejectsMissingTxnRef(t *testing.T) {
	adapter := newAdapter(t, "vnpay_secret")

	payload := []byte(`{"vnp_ResponseCode":"00","vnp_Amount":100,"vnp_TransactionNo":"1"}`)
	_, err := adapter.Parse(context.Background(), payload)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
}
