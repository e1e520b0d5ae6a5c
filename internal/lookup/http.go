package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/beatsync/server/internal/protocol"
)

// HTTPClient implements the identity, chart, and record lookups
// against the game API over HTTPS with JSON bodies.
type HTTPClient struct {
	base   string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPClient builds a lookup client rooted at base, e.g.
// "https://api.beatsync.example.com".
func NewHTTPClient(base string, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("component", "lookup").Logger(),
	}
}

// Auth resolves a client token via GET /me.
func (c *HTTPClient) Auth(ctx context.Context, token string) (Identity, error) {
	var ident Identity
	err := c.get(ctx, "/me", url.Values{}, map[string]string{
		"Authorization": "Bearer " + token,
	}, &ident)
	if err != nil {
		return Identity{}, err
	}
	return ident, nil
}

// Chart resolves chart metadata via GET /chart/{id}.
func (c *HTTPClient) Chart(ctx context.Context, id int32) (protocol.Chart, error) {
	var chart protocol.Chart
	if err := c.get(ctx, fmt.Sprintf("/chart/%d", id), url.Values{}, nil, &chart); err != nil {
		return protocol.Chart{}, err
	}
	return chart, nil
}

// Record fetches the latest uploaded record for a (chart, user) pair
// via GET /record, newest first.
func (c *HTTPClient) Record(ctx context.Context, chartID, userID int32) (protocol.Record, error) {
	query := url.Values{}
	query.Set("chart", fmt.Sprint(chartID))
	query.Set("player", fmt.Sprint(userID))
	query.Set("limit", "1")

	var records []protocol.Record
	if err := c.get(ctx, "/record", query, nil, &records); err != nil {
		return protocol.Record{}, err
	}
	if len(records) == 0 {
		return protocol.Record{}, fmt.Errorf("no record for chart %d player %d", chartID, userID)
	}
	return records[0], nil
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, headers map[string]string, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Lookup request")

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("lookup %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("lookup %s: bad response: %w", path, err)
	}
	return nil
}
