package shop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://serpapi.com"
	defaultTimeout = 15 * time.Second
	maxResults     = 5
	maxBodyBytes   = 4 << 20
)

var ErrNotConfigured = errors.New("product search not configured")

// Product is one affiliate shopping result.
type Product struct {
	Title     string  `json:"title"`
	Price     string  `json:"price"`
	Amount    float64 `json:"amount,omitempty"`
	Link      string  `json:"link"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Source    string  `json:"source,omitempty"`
}

type searchResponse struct {
	Error   string `json:"error"`
	Results []struct {
		Title          string  `json:"title"`
		Price          string  `json:"price"`
		ExtractedPrice float64 `json:"extracted_price"`
		Link           string  `json:"link"`
		ProductLink    string  `json:"product_link"`
		Thumbnail      string  `json:"thumbnail"`
		Source         string  `json:"source"`
	} `json:"shopping_results"`
}

// Client queries Google Shopping through SerpApi.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Search returns up to five products for query. With budget > 0, products
// priced above it are dropped; products without a parsed price are kept.
func (c *Client) Search(ctx context.Context, query string, budget float64) ([]Product, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	params := url.Values{}
	params.Set("engine", "google_shopping")
	params.Set("q", query)
	params.Set("num", fmt.Sprint(maxResults))
	params.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("shop request error: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// the url carries the api key
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("shop request error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("shop read error: %w", err)
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("shop decode error: status=%d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		return nil, fmt.Errorf("shop http error: status=%d error=%s", resp.StatusCode, out.Error)
	}

	products := make([]Product, 0, len(out.Results))
	for _, r := range out.Results {
		if budget > 0 && r.ExtractedPrice > budget {
			continue
		}
		link := r.Link
		if link == "" {
			link = r.ProductLink
		}
		products = append(products, Product{
			Title:     r.Title,
			Price:     r.Price,
			Amount:    r.ExtractedPrice,
			Link:      link,
			Thumbnail: r.Thumbnail,
			Source:    r.Source,
		})
		if len(products) == maxResults {
			break
		}
	}
	return products, nil
}
