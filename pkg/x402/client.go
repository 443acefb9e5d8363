package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Payer settles a payment requirement and returns the transaction hash.
// The signer port satisfies this through a thin adapter; tests stub it.
type Payer interface {
	Address() string
	Pay(ctx context.Context, recipient string, amount *big.Int) (txHash string, err error)
}

// Client wraps http.Client with automatic 402 payment handling
type Client struct {
	httpClient *http.Client
	payer      Payer

	// Configuration
	MaxRetries int    // Max payment retries (default: 1)
	AutoPay    bool   // Automatically pay 402s (default: true)
	MaxPayment string // Max payment amount (default: unlimited)

	// Hooks
	OnPayment func(req *PaymentRequirement, proof *PaymentProof) // Called before each payment
}

// NewClient creates a new x402-enabled HTTP client
func NewClient(payer Payer) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		payer:      payer,
		MaxRetries: 1,
		AutoPay:    true,
	}
}

// Do performs an HTTP request with automatic 402 payment handling
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request with context and automatic 402 handling
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Clone the request body if present (we might need to retry)
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		// Reset body for retry
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		// Not a 402 - return response as-is
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}

		// Don't auto-pay if disabled
		if !c.AutoPay {
			return resp, nil
		}

		// Parse payment requirement
		payReq, err := ParsePaymentRequirement(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
		}

		// Check max payment limit
		if c.MaxPayment != "" {
			if err := c.checkPaymentLimit(payReq.Price); err != nil {
				return nil, err
			}
		}

		// Make the payment
		proof, err := c.makePayment(ctx, payReq)
		if err != nil {
			return nil, fmt.Errorf("payment failed: %w", err)
		}

		// Call hook if set
		if c.OnPayment != nil {
			c.OnPayment(payReq, proof)
		}

		// Add proof to request and retry
		if err := AddProofToRequest(req, proof); err != nil {
			return nil, fmt.Errorf("failed to add proof: %w", err)
		}
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// Get performs a GET request with automatic 402 handling
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// makePayment settles a payment requirement through the payer
func (c *Client) makePayment(ctx context.Context, req *PaymentRequirement) (*PaymentProof, error) {
	price, err := parseAmount(req.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}

	txHash, err := c.payer.Pay(ctx, req.Recipient, price)
	if err != nil {
		return nil, fmt.Errorf("transfer failed: %w", err)
	}

	return CreatePaymentProof(txHash, c.payer.Address(), req.Nonce), nil
}

// checkPaymentLimit verifies the payment doesn't exceed max
func (c *Client) checkPaymentLimit(price string) error {
	maxAmount, err := parseAmount(c.MaxPayment)
	if err != nil {
		return fmt.Errorf("invalid max payment: %w", err)
	}

	reqAmount, err := parseAmount(price)
	if err != nil {
		return fmt.Errorf("invalid price: %w", err)
	}

	if reqAmount.Cmp(maxAmount) > 0 {
		return fmt.Errorf("payment %s exceeds max %s", price, c.MaxPayment)
	}

	return nil
}

// tokenDecimals matches the settlement token precision.
const tokenDecimals = 6

// parseAmount converts a decimal token amount to raw units.
func parseAmount(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	parts := strings.SplitN(amount, ".", 2)
	whole, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return nil, fmt.Errorf("invalid whole number %q", parts[0])
	}
	if whole.Sign() < 0 {
		return nil, fmt.Errorf("negative amounts not allowed")
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(tokenDecimals), nil)
	result := new(big.Int).Mul(whole, multiplier)

	if len(parts) == 2 && parts[1] != "" {
		decimal := parts[1]
		if len(decimal) > tokenDecimals {
			decimal = decimal[:tokenDecimals]
		}
		for len(decimal) < tokenDecimals {
			decimal += "0"
		}
		frac, err := strconv.ParseInt(decimal, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal part %q", parts[1])
		}
		result.Add(result, big.NewInt(frac))
	}

	return result, nil
}
