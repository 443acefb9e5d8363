package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewArenaClient(Config{APIURL: ts.URL})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_found",
			"message": "arena not found",
		})
	}))
	defer ts.Close()

	client := NewArenaClient(Config{APIURL: ts.URL})
	_, err := client.GetArena(context.Background(), "arn_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "arena not found")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewArenaClient(Config{APIURL: ts.URL})
	_, err := client.ListArenas(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewArenaClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.ListArenas(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewArenaClient(Config{APIURL: ts.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ListArenas(ctx)
	require.Error(t, err)
}

func TestClient_GetEvents_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/arenas/arn_1/events", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`{"events":[],"last_seq":42}`))
	}))
	defer ts.Close()

	client := NewArenaClient(Config{APIURL: ts.URL})
	_, err := client.GetEvents(context.Background(), "arn_1", 42)
	require.NoError(t, err)
}

func TestClient_GetEvents_ZeroSince(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("since"), "since=0 should not be sent")
		_, _ = w.Write([]byte(`{"events":[],"last_seq":0}`))
	}))
	defer ts.Close()

	client := NewArenaClient(Config{APIURL: ts.URL})
	_, err := client.GetEvents(context.Background(), "arn_1", 0)
	require.NoError(t, err)
}

func TestClient_GetLessons_LimitParam(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/ag_1/lessons", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"lessons":[]}`))
	}))
	defer ts.Close()

	client := NewArenaClient(Config{APIURL: ts.URL})
	_, err := client.GetLessons(context.Background(), "ag_1", 5)
	require.NoError(t, err)
}

func TestClient_CreateArena_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, float64(60), m["durationSec"])
		assert.Equal(t, float64(3), m["rivals"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"arena":  map[string]any{"id": "arn_new", "phase": "lobby"},
			"agents": []map[string]any{},
		})
	}))
	defer ts.Close()

	client := NewArenaClient(Config{APIURL: ts.URL})
	_, err := client.CreateArena(context.Background(), map[string]any{"durationSec": 60, "rivals": 3})
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleListArenas(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/arenas", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"arenas": []map[string]any{
				{"id": "arn_b", "phase": "trading", "pairs": []string{"SOL/USDC"}, "entryCount": 4},
				{"id": "arn_a", "phase": "settled", "pairs": []string{"SOL/USDC"}, "entryCount": 3, "resolvedBy": "deadline"},
			},
			"count": 2,
		})
	}))
	defer done()

	result, err := h.HandleListArenas(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 arena(s)")
	assert.Contains(t, text, "arn_b [trading]")
	assert.Contains(t, text, "Resolved by: deadline")
}

func TestHandleListArenas_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"arenas":[],"count":0}`))
	}))
	defer done()

	result, err := h.HandleListArenas(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No arenas yet")
}

func TestHandleGetArena_MissingID(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should be made")
	}))
	defer done()

	result, err := h.HandleGetArena(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "arena_id is required")
}

func TestHandleGetArena(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/arenas/arn_1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "arn_1",
			"phase":      "trading",
			"pairs":      []string{"SOL/USDC", "ETH/USDC"},
			"baseAsset":  "USDC",
			"maxAgents":  8,
			"entryCount": 5,
		})
	}))
	defer done()

	result, err := h.HandleGetArena(context.Background(), makeRequest(map[string]any{"arena_id": "arn_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "ID: arn_1")
	assert.Contains(t, text, "Phase: trading")
	assert.Contains(t, text, "Pairs: SOL/USDC, ETH/USDC")
	assert.Contains(t, text, "Entries: 5 / 8")
}

func TestHandleCreateArena_ArchetypeWithoutName(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should be made")
	}))
	defer done()

	result, err := h.HandleCreateArena(context.Background(), makeRequest(map[string]any{
		"archetype": "momentum",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "name is required")
}

func TestHandleCreateArena_WithOwnAgent(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		agents, ok := m["agents"].([]any)
		require.True(t, ok)
		require.Len(t, agents, 1)
		entry := agents[0].(map[string]any)
		assert.Equal(t, "alice", entry["name"])
		assert.Equal(t, "momentum", entry["archetype"])
		assert.Equal(t, true, entry["owned"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"arena": map[string]any{"id": "arn_new", "phase": "lobby", "pairs": []string{"SOL/USDC"}},
			"agents": []map[string]any{
				{"id": "ag_1", "name": "alice", "archetype": "momentum", "owned": true, "step": "pending"},
				{"id": "ag_2", "name": "vega", "archetype": "aggressive", "owned": false, "step": "pending"},
			},
		})
	}))
	defer done()

	result, err := h.HandleCreateArena(context.Background(), makeRequest(map[string]any{
		"archetype": "momentum",
		"name":      "alice",
		"rivals":    1,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Arena arn_new created")
	assert.Contains(t, text, "Roster (2 agents)")
	assert.Contains(t, text, "alice [momentum] (yours)")
	assert.Contains(t, text, "vega [aggressive]")
}

func TestHandleResolveArena(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/arenas/arn_1/resolve", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"resolved","phase":"settled"}`))
	}))
	defer done()

	result, err := h.HandleResolveArena(context.Background(), makeRequest(map[string]any{"arena_id": "arn_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Arena arn_1 resolved")
}

func TestHandleResolveArena_AlreadyResolved(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "already_resolved",
			"message": "",
		})
	}))
	defer done()

	result, err := h.HandleResolveArena(context.Background(), makeRequest(map[string]any{"arena_id": "arn_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "409")
}

func TestHandleGetLeaderboard_Final(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"phase":   "settled",
			"final":   true,
			"trigger": "deadline",
			"rows": []map[string]any{
				{"rank": 1, "agent_id": "ag_1", "name": "alice", "archetype": "momentum", "pnl_bps": 500, "trade_count": 7, "revealed": true},
				{"rank": 2, "agent_id": "ag_2", "name": "vega", "archetype": "aggressive", "pnl_bps": -120, "trade_count": 12, "revealed": true},
			},
		})
	}))
	defer done()

	result, err := h.HandleGetLeaderboard(context.Background(), makeRequest(map[string]any{"arena_id": "arn_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Final standings (resolved by deadline)")
	assert.Contains(t, text, "1. alice (ag_1)")
	assert.Contains(t, text, "P&L: +500 bps")
	assert.Contains(t, text, "P&L: -120 bps")
}

func TestHandleGetLeaderboard_Running(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"phase":   "trading",
			"final":   false,
			"trigger": "",
			"rows":    []map[string]any{},
		})
	}))
	defer done()

	result, err := h.HandleGetLeaderboard(context.Background(), makeRequest(map[string]any{"arena_id": "arn_1"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "not final")
	assert.Contains(t, text, "No entries")
}

func TestHandleGetMarket(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/arenas/arn_1/market", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"phase": "trading",
			"pairs": []map[string]any{
				{"pair": "SOL/USDC", "price": 151.25, "change24h": 0.83, "volume": 12000.0, "volatility": 1.4},
			},
		})
	}))
	defer done()

	result, err := h.HandleGetMarket(context.Background(), makeRequest(map[string]any{"arena_id": "arn_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Market state (phase: trading)")
	assert.Contains(t, text, "SOL/USDC")
	assert.Contains(t, text, "Price: 151.2500")
	assert.Contains(t, text, "24h: +0.83%")
}

func TestHandleGetEvents(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"events": []map[string]any{
				{"seq": 10, "type": "trade", "agentId": "ag_1", "message": "bought SOL"},
				{"seq": 11, "type": "pressure", "message": "volume surge on SOL/USDC"},
			},
			"last_seq": 11,
		})
	}))
	defer done()

	result, err := h.HandleGetEvents(context.Background(), makeRequest(map[string]any{"arena_id": "arn_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "[10] trade (ag_1): bought SOL")
	assert.Contains(t, text, "[11] pressure: volume surge")
	assert.Contains(t, text, "Last sequence: 11")
}

func TestHandleGetCareer(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/ag_1/career", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agentId":          "ag_1",
			"name":             "alice",
			"archetype":        "momentum",
			"roundsPlayed":     3,
			"roundsWon":        2,
			"cumulativePnlBps": 750,
			"bestRoundBps":     500,
			"worstRoundBps":    -150,
		})
	}))
	defer done()

	result, err := h.HandleGetCareer(context.Background(), makeRequest(map[string]any{"agent_id": "ag_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "alice (ag_1)")
	assert.Contains(t, text, "Rounds: 3 played, 2 won")
	assert.Contains(t, text, "Cumulative P&L: +750 bps")
	assert.Contains(t, text, "Worst Round: -150 bps")
}

func TestHandleGetCareer_NotFound(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_found",
			"message": "no career for agent",
		})
	}))
	defer done()

	result, err := h.HandleGetCareer(context.Background(), makeRequest(map[string]any{"agent_id": "ag_missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no career for agent")
}

func TestHandleGetTrust(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("buyer"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agentId":           "ag_1",
			"purchasesTotal":    4,
			"purchasesAccurate": 3,
			"score":             0.6666,
		})
	}))
	defer done()

	result, err := h.HandleGetTrust(context.Background(), makeRequest(map[string]any{"agent_id": "ag_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Score: 0.67")
	assert.Contains(t, text, "3 accurate of 4 total")
}

func TestHandleGetTrustForBuyer(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ag_buyer", r.URL.Query().Get("buyer"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agentId":           "ag_1",
			"buyerId":           "ag_buyer",
			"purchasesTotal":    2,
			"purchasesAccurate": 2,
			"score":             0.75,
		})
	}))
	defer done()

	result, err := h.HandleGetTrust(context.Background(), makeRequest(map[string]any{
		"agent_id": "ag_1",
		"buyer_id": "ag_buyer",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "As seen by: ag_buyer")
	assert.Contains(t, text, "2 accurate of 2 total")
}

func TestHandleGetLessons(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"lessons": []map[string]any{
				{"id": "les_1", "agentId": "ag_1", "arenaId": "arn_1", "text": "momentum worked on SOL/USDC", "createdAt": "2026-08-30T10:00:00Z"},
			},
		})
	}))
	defer done()

	result, err := h.HandleGetLessons(context.Background(), makeRequest(map[string]any{"agent_id": "ag_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "1 lesson(s)")
	assert.Contains(t, text, "momentum worked on SOL/USDC")
	assert.Contains(t, text, "Arena: arn_1")
}

func TestHandleGetCareerLeaderboard(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/leaderboard", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"leaderboard": []map[string]any{
				{"agentId": "ag_1", "name": "alice", "cumulativePnlBps": 900, "roundsPlayed": 4, "roundsWon": 3},
				{"agentId": "ag_2", "name": "vega", "cumulativePnlBps": 120, "roundsPlayed": 4, "roundsWon": 1},
			},
		})
	}))
	defer done()

	result, err := h.HandleGetCareerLeaderboard(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "1. alice (ag_1)")
	assert.Contains(t, text, "Cumulative: +900 bps")
	assert.Contains(t, text, "4 played, 3 won")
}
