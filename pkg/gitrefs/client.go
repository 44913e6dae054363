package gitrefs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const fetchTimeout = 30 * time.Second

// Client fetches ref listings from an upstream host speaking the git-refs
// JSON API (an array of {"ref": ..., "object": {"sha": ...}} entries).
type Client struct {
	logger   *zap.Logger
	endpoint string
	token    string
	client   *http.Client
	group    singleflight.Group
}

func NewClient(l *zap.Logger, endpoint, token string) *Client {
	return &Client{
		logger:   l,
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: fetchTimeout},
	}
}

// FetchRefs requests the current ref listing. Concurrent calls for the same
// endpoint are collapsed into one upstream request.
func (c *Client) FetchRefs(ctx context.Context) (Snapshot, error) {
	v, err, _ := c.group.Do(c.endpoint, func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(Snapshot), nil
}

func (c *Client) fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorData, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read error response: %w", err)
		}
		return nil, fmt.Errorf("refs request failed with status %d: %s", resp.StatusCode, string(errorData))
	}

	var snapshot Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode refs response: %w", err)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("malformed refs response: %w", err)
	}

	c.logger.Debug("fetched refs", zap.Int("count", len(snapshot)))
	return snapshot, nil
}
