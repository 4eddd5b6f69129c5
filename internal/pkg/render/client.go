package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"
)

const (
	defaultTimeout = 120 * time.Second
	maxResultBytes = 32 << 20
)

var (
	// ErrContentRejected means the generator refused the inputs on content grounds.
	ErrContentRejected = errors.New("content rejected by generator")
	ErrNotConfigured   = errors.New("render service not configured")
)

// Categories accepted by the generator.
const (
	CategoryUpperBody = "upper_body"
	CategoryLowerBody = "lower_body"
	CategoryDresses   = "dresses"
)

// ValidCategory reports whether c is a known garment category.
func ValidCategory(c string) bool {
	switch c {
	case CategoryUpperBody, CategoryLowerBody, CategoryDresses:
		return true
	}
	return false
}

// InlineImage is an image carried inside a JSON body.
type InlineImage struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"` // base64 on the wire
}

// Request is one try-on generation.
type Request struct {
	RequestID     string                 `json:"request_id"`
	Category      string                 `json:"category"`
	UserImage     InlineImage            `json:"user_image"`
	GarmentImages []InlineImage          `json:"garment_images"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Result is the generated image.
type Result struct {
	Image InlineImage `json:"image"`
	Model string      `json:"model,omitempty"`
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Client calls the external image generation service.
type Client struct {
	baseURL string
	token   string
	ua      string
	http    *http.Client
}

// NewClient creates a new render client.
func NewClient(baseURL, token string, timeout time.Duration, ua string) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		ua:      ua,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Render asks the generator for a try-on image. A 422 with a content
// rejection reason maps to ErrContentRejected.
func (c *Client) Render(ctx context.Context, r Request) (*Result, error) {
	if c == nil || c.http == nil {
		return nil, fmt.Errorf("render request error: client is nil")
	}
	if strings.TrimSpace(c.baseURL) == "" {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("render request error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/try-on", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("render request error: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	if r.RequestID != "" {
		req.Header.Set("X-Request-ID", r.RequestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if readErr != nil {
		return nil, fmt.Errorf("render http error: status=%d body=<failed to read body: %v>", resp.StatusCode, readErr)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out Result
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("render decode error: %w", err)
		}
		if len(out.Image.Data) == 0 {
			return nil, fmt.Errorf("render decode error: no image data in response")
		}
		if out.Image.MimeType == "" {
			out.Image.MimeType = http.DetectContentType(out.Image.Data)
		}
		return &out, nil

	case resp.StatusCode == http.StatusUnprocessableEntity && isContentRejection(body):
		return nil, fmt.Errorf("%w: %s", ErrContentRejected, truncate(body))

	default:
		return nil, fmt.Errorf("render http error: status=%d body=%s", resp.StatusCode, truncate(body))
	}
}

// DataURL encodes an image the way browser clients display it inline.
func DataURL(img InlineImage) string {
	return fmt.Sprintf("data:%s;base64,%s", img.MimeType, base64.StdEncoding.EncodeToString(img.Data))
}

func isContentRejection(body []byte) bool {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return false
	}
	switch eb.Error {
	case "content_rejected", "safety_blocked":
		return true
	}
	return false
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

func classifyRequestError(ctx context.Context, err error) error {
	if isTimeoutError(ctx, err) {
		return fmt.Errorf("render timeout: %w", err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("render network error: %w", err)
	}
	return fmt.Errorf("render request error: %w", err)
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	return false
}
