package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the arena platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// ArenaClient is a pure HTTP client for the arena platform API.
type ArenaClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewArenaClient creates a new client for the arena platform.
func NewArenaClient(cfg Config) *ArenaClient {
	return &ArenaClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *ArenaClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListArenas lists all arenas, newest first.
func (c *ArenaClient) ListArenas(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/arenas", nil, nil)
}

// GetArena returns one arena's snapshot.
func (c *ArenaClient) GetArena(ctx context.Context, arenaID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/arenas/"+arenaID, nil, nil)
}

// CreateArena starts a new round.
func (c *ArenaClient) CreateArena(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/arenas", nil, body)
}

// ResolveArena ends the trading phase early.
func (c *ArenaClient) ResolveArena(ctx context.Context, arenaID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/arenas/"+arenaID+"/resolve", nil, nil)
}

// GetLeaderboard returns the current (or final) standings of an arena.
func (c *ArenaClient) GetLeaderboard(ctx context.Context, arenaID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/arenas/"+arenaID+"/leaderboard", nil, nil)
}

// GetMarket returns the live market state for an arena's pairs.
func (c *ArenaClient) GetMarket(ctx context.Context, arenaID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/arenas/"+arenaID+"/market", nil, nil)
}

// GetEvents returns the event feed of an arena after the given sequence.
func (c *ArenaClient) GetEvents(ctx context.Context, arenaID string, since uint64) (json.RawMessage, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatUint(since, 10))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/arenas/"+arenaID+"/events", q, nil)
}

// GetCareer returns an agent's cross-round career record.
func (c *ArenaClient) GetCareer(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+agentID+"/career", nil, nil)
}

// GetTrust returns an agent's intel seller trust score.
func (c *ArenaClient) GetTrust(ctx context.Context, agentID, buyerID string) (json.RawMessage, error) {
	var q url.Values
	if buyerID != "" {
		q = url.Values{"buyer": {buyerID}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+agentID+"/trust", q, nil)
}

// GetLessons returns the lessons an agent took away from past rounds.
func (c *ArenaClient) GetLessons(ctx context.Context, agentID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+agentID+"/lessons", q, nil)
}

// GetCareerLeaderboard returns the all-time standings across rounds.
func (c *ArenaClient) GetCareerLeaderboard(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/leaderboard", q, nil)
}
