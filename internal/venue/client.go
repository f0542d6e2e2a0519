// Package venue is the REST client for the trading venue's order API. It
// implements domain.OrderPlacer; fills are confirmed asynchronously over the
// WebSocket feed, never from the submit response.
package venue

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantarb/execbot/internal/domain"
)

// Client is the REST client for the venue order API.
type Client struct {
	baseURL    string
	apiKeyID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
}

// NewClient creates a venue REST client. baseURL is the API root, apiKeyID
// identifies the API key used for signing.
func NewClient(baseURL, apiKeyID string) *Client {
	return &Client{
		baseURL:  baseURL,
		apiKeyID: apiKeyID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetRSAPrivateKey loads an RSA private key from PEM-encoded bytes and
// configures the client for signed requests.
func (c *Client) SetRSAPrivateKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("venue: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return fmt.Errorf("venue: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		c.privateKey = pkcs1Key
		return nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("venue: expected RSA private key, got %T", key)
	}
	c.privateKey = rsaKey
	return nil
}

// orderRequest is the wire form of an order submission. Prices and sizes are
// decimal strings, matching the feed encoding.
type orderRequest struct {
	ClientID   string `json:"client_id"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Type       string `json:"type"` // "market" or "limit"
	Size       string `json:"size"`
	LimitPrice string `json:"limit_price,omitempty"`
}

type orderResponse struct {
	Order struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"order"`
}

// SubmitChunk submits one chunk of an accepted plan and returns the venue
// order ID. Resting-limit plans go out as limit orders at the plan's limit
// price; every other method submits a marketable order for the chunk size.
func (c *Client) SubmitChunk(ctx context.Context, plan domain.ExecutionPlan, chunkIndex int) (string, error) {
	size := plan.SizedContracts
	if len(plan.Method.Chunks) > 0 {
		if chunkIndex < 0 || chunkIndex >= len(plan.Method.Chunks) {
			return "", fmt.Errorf("venue: plan %s has no chunk %d", plan.ID, chunkIndex)
		}
		size = plan.Method.Chunks[chunkIndex].Size
	}

	req := orderRequest{
		ClientID:   fmt.Sprintf("%s-%d", plan.ID, chunkIndex),
		Instrument: plan.Instrument,
		Side:       string(plan.Side),
		Type:       "market",
		Size:       strconv.FormatFloat(size, 'f', -1, 64),
	}
	if plan.Method.Kind == domain.MethodRestingLimit {
		req.Type = "limit"
		req.LimitPrice = strconv.FormatFloat(plan.Method.LimitPrice, 'f', -1, 64)
	}

	body, err := c.doSignedRequest(ctx, http.MethodPost, "/orders", req)
	if err != nil {
		return "", fmt.Errorf("venue: submit chunk %d of plan %s: %w", chunkIndex, plan.ID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("venue: decode order response: %w", err)
	}
	if resp.Order.Status == "canceled" {
		return "", fmt.Errorf("venue: order %s was immediately cancelled", resp.Order.ID)
	}
	return resp.Order.ID, nil
}

// CancelOrder cancels an existing order by its venue ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	path := fmt.Sprintf("/orders/%s", url.PathEscape(orderID))
	if _, err := c.doSignedRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("venue: cancel order %s: %w", orderID, err)
	}
	return nil
}

// doSignedRequest builds, signs, sends, and reads an HTTP request against the
// venue API.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if err := c.signRequest(req, method, path); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// signRequest adds RSA-PSS-SHA256 authentication headers. The signed message
// is timestamp + method + path.
func (c *Client) signRequest(req *http.Request, method, path string) error {
	if c.privateKey == nil {
		return fmt.Errorf("venue: RSA private key not configured")
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := ts + method + path

	hash := sha256.Sum256([]byte(message))
	signature, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return fmt.Errorf("RSA sign: %w", err)
	}

	req.Header.Set("VENUE-ACCESS-KEY", c.apiKeyID)
	req.Header.Set("VENUE-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(signature))
	req.Header.Set("VENUE-ACCESS-TIMESTAMP", ts)
	return nil
}

// checkStatus maps non-2xx HTTP status codes to errors carrying the venue's
// error payload.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("venue: not found: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("venue: unauthorized: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("venue: rate limited: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusBadRequest:
		return fmt.Errorf("venue: bad request: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusConflict:
		return fmt.Errorf("venue: conflict: %s (%s)", apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("venue: HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}

// Compile-time interface check.
var _ domain.OrderPlacer = (*Client)(nil)
