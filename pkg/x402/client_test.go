package x402

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePayer struct {
	paid      []*big.Int
	recipient string
	failPay   bool
}

func (p *fakePayer) Address() string { return "0xbuyer" }

func (p *fakePayer) Pay(ctx context.Context, recipient string, amount *big.Int) (string, error) {
	if p.failPay {
		return "", assert.AnError
	}
	p.recipient = recipient
	p.paid = append(p.paid, amount)
	return "0xdeadbeef", nil
}

func paywalledServer(t *testing.T, price string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Payment-Proof") == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(PaymentRequirement{
				Price:     price,
				Currency:  "USDC",
				Recipient: "0xseller",
				Nonce:     "n-1",
			})
			return
		}
		var proof PaymentProof
		require.NoError(t, json.Unmarshal([]byte(r.Header.Get("X-Payment-Proof")), &proof))
		assert.Equal(t, "0xdeadbeef", proof.TxHash)
		assert.Equal(t, "0xbuyer", proof.From)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
}

func TestClientPaysAndRetries(t *testing.T) {
	srv := paywalledServer(t, "0.25")
	defer srv.Close()

	payer := &fakePayer{}
	client := NewClient(payer)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, payer.paid, 1)
	assert.Equal(t, "0xseller", payer.recipient)
	assert.Equal(t, big.NewInt(250000), payer.paid[0])
}

func TestClientRespectsMaxPayment(t *testing.T) {
	srv := paywalledServer(t, "10")
	defer srv.Close()

	payer := &fakePayer{}
	client := NewClient(payer)
	client.MaxPayment = "1"

	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.Empty(t, payer.paid)
}

func TestClientAutoPayDisabled(t *testing.T) {
	srv := paywalledServer(t, "0.25")
	defer srv.Close()

	client := NewClient(&fakePayer{})
	client.AutoPay = false

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestClientPaymentFailure(t *testing.T) {
	srv := paywalledServer(t, "0.25")
	defer srv.Close()

	client := NewClient(&fakePayer{failPay: true})
	_, err := client.Get(srv.URL)
	require.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	got, err := parseAmount("1.5")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_500_000), got)

	got, err = parseAmount("3")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3_000_000), got)

	_, err = parseAmount("")
	assert.Error(t, err)
	_, err = parseAmount("-2")
	assert.Error(t, err)
}
