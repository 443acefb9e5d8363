package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ArenaClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ArenaClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListArenas lists arenas on the platform, newest first.
func (h *Handlers) HandleListArenas(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListArenas(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list arenas: %v", err)), nil
	}

	text, err := formatArenaList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arenas: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetArena returns the state of one arena.
func (h *Handlers) HandleGetArena(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	arenaID := req.GetString("arena_id", "")
	if arenaID == "" {
		return mcp.NewToolResultError("arena_id is required"), nil
	}

	raw, err := h.client.GetArena(ctx, arenaID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get arena: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arena: %v", err)), nil
	}

	return mcp.NewToolResultText(formatArena(m)), nil
}

// HandleCreateArena starts a new round, optionally entering the caller's own agent.
func (h *Handlers) HandleCreateArena(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := map[string]any{}
	if v := req.GetInt("duration_sec", 0); v > 0 {
		body["durationSec"] = v
	}
	if v := req.GetInt("rivals", 0); v > 0 {
		body["rivals"] = v
	}
	archetype := req.GetString("archetype", "")
	name := req.GetString("name", "")
	if archetype != "" {
		if name == "" {
			return mcp.NewToolResultError("name is required when archetype is set"), nil
		}
		body["agents"] = []map[string]any{
			{"name": name, "archetype": archetype, "owned": true},
		}
	}

	raw, err := h.client.CreateArena(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create arena: %v", err)), nil
	}

	text, err := formatCreated(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arena: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleResolveArena ends an arena's trading phase ahead of the deadline.
func (h *Handlers) HandleResolveArena(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	arenaID := req.GetString("arena_id", "")
	if arenaID == "" {
		return mcp.NewToolResultError("arena_id is required"), nil
	}

	_, err := h.client.ResolveArena(ctx, arenaID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve arena: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Arena %s resolved.\n"+
			"Open positions are being unwound and the final leaderboard published.\n"+
			"Use get_leaderboard to see the standings.", arenaID)), nil
}

// HandleGetLeaderboard returns an arena's standings.
func (h *Handlers) HandleGetLeaderboard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	arenaID := req.GetString("arena_id", "")
	if arenaID == "" {
		return mcp.NewToolResultError("arena_id is required"), nil
	}

	raw, err := h.client.GetLeaderboard(ctx, arenaID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get leaderboard: %v", err)), nil
	}

	text, err := formatLeaderboard(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse leaderboard: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetMarket returns the live market state for an arena's pairs.
func (h *Handlers) HandleGetMarket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	arenaID := req.GetString("arena_id", "")
	if arenaID == "" {
		return mcp.NewToolResultError("arena_id is required"), nil
	}

	raw, err := h.client.GetMarket(ctx, arenaID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get market state: %v", err)), nil
	}

	text, err := formatMarket(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse market state: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetEvents reads an arena's event feed.
func (h *Handlers) HandleGetEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	arenaID := req.GetString("arena_id", "")
	if arenaID == "" {
		return mcp.NewToolResultError("arena_id is required"), nil
	}
	since := req.GetInt("since", 0)

	raw, err := h.client.GetEvents(ctx, arenaID, uint64(since))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get events: %v", err)), nil
	}

	text, err := formatEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetCareer returns an agent's cross-round record.
func (h *Handlers) HandleGetCareer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.GetCareer(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get career: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse career: %v", err)), nil
	}

	return mcp.NewToolResultText(formatCareer(m)), nil
}

// HandleGetTrust returns an agent's intel seller trust score.
func (h *Handlers) HandleGetTrust(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	buyerID := req.GetString("buyer_id", "")

	raw, err := h.client.GetTrust(ctx, agentID, buyerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trust score: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trust score: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Intel Seller Trust:\n")
	sb.WriteString(fmt.Sprintf("  Agent: %s\n", getString(m, "agentId")))
	if b := getString(m, "buyerId"); b != "" {
		sb.WriteString(fmt.Sprintf("  As seen by: %s\n", b))
	}
	if v, ok := getFloat(m, "score"); ok {
		sb.WriteString(fmt.Sprintf("  Score: %.2f\n", v))
	}
	total, _ := getFloat(m, "purchasesTotal")
	accurate, _ := getFloat(m, "purchasesAccurate")
	sb.WriteString(fmt.Sprintf("  Scored Purchases: %.0f accurate of %.0f total\n", accurate, total))
	if total == 0 {
		sb.WriteString("  No intel sold by this agent has been scored yet.\n")
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetLessons returns the lessons an agent recorded after past rounds.
func (h *Handlers) HandleGetLessons(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	limit := req.GetInt("limit", 10)

	raw, err := h.client.GetLessons(ctx, agentID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get lessons: %v", err)), nil
	}

	text, err := formatLessons(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse lessons: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetCareerLeaderboard returns the all-time standings across rounds.
func (h *Handlers) HandleGetCareerLeaderboard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetCareerLeaderboard(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get career leaderboard: %v", err)), nil
	}

	text, err := formatCareerLeaderboard(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse career leaderboard: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatArenaList(raw json.RawMessage) (string, error) {
	var resp struct {
		Arenas []map[string]any `json:"arenas"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected arenas response format")
	}
	if len(resp.Arenas) == 0 {
		return "No arenas yet. Use create_arena to start one.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d arena(s):\n\n", len(resp.Arenas)))
	for i, a := range resp.Arenas {
		entries, _ := getFloat(a, "entryCount")
		sb.WriteString(fmt.Sprintf("%d. %s [%s]\n", i+1, getString(a, "id"), getString(a, "phase")))
		sb.WriteString(fmt.Sprintf("   Pairs: %s | Entries: %.0f\n",
			joinAny(a["pairs"]), entries))
		if v := getString(a, "resolvedBy"); v != "" {
			sb.WriteString(fmt.Sprintf("   Resolved by: %s\n", v))
		}
		if i < len(resp.Arenas)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatArena(m map[string]any) string {
	var sb strings.Builder
	sb.WriteString("Arena:\n")
	sb.WriteString(fmt.Sprintf("  ID: %s\n", getString(m, "id")))
	sb.WriteString(fmt.Sprintf("  Phase: %s\n", getString(m, "phase")))
	sb.WriteString(fmt.Sprintf("  Pairs: %s\n", joinAny(m["pairs"])))
	sb.WriteString(fmt.Sprintf("  Base Asset: %s\n", getString(m, "baseAsset")))
	if entries, ok := getFloat(m, "entryCount"); ok {
		max, _ := getFloat(m, "maxAgents")
		sb.WriteString(fmt.Sprintf("  Entries: %.0f / %.0f\n", entries, max))
	}
	if v := getString(m, "deadline"); v != "" {
		sb.WriteString(fmt.Sprintf("  Deadline: %s\n", v))
	}
	if v := getString(m, "resolvedBy"); v != "" {
		sb.WriteString(fmt.Sprintf("  Resolved by: %s\n", v))
	}
	return sb.String()
}

func formatCreated(raw json.RawMessage) (string, error) {
	var resp struct {
		Arena  map[string]any   `json:"arena"`
		Agents []map[string]any `json:"agents"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Arena == nil {
		return "", fmt.Errorf("unexpected create response format")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Arena %s created.\n", getString(resp.Arena, "id")))
	sb.WriteString(fmt.Sprintf("Pairs: %s\n", joinAny(resp.Arena["pairs"])))
	sb.WriteString(fmt.Sprintf("\nRoster (%d agents):\n", len(resp.Agents)))
	for _, a := range resp.Agents {
		marker := ""
		if owned, ok := a["owned"].(bool); ok && owned {
			marker = " (yours)"
		}
		sb.WriteString(fmt.Sprintf("  %s - %s [%s]%s\n",
			getString(a, "id"), getString(a, "name"), getString(a, "archetype"), marker))
	}
	sb.WriteString("\nOnboarding has started. Watch get_events for progress.")
	return sb.String(), nil
}

func formatLeaderboard(raw json.RawMessage) (string, error) {
	var resp struct {
		Phase   string           `json:"phase"`
		Final   bool             `json:"final"`
		Trigger string           `json:"trigger"`
		Rows    []map[string]any `json:"rows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected leaderboard response format")
	}

	var sb strings.Builder
	if resp.Final {
		sb.WriteString(fmt.Sprintf("Final standings (resolved by %s):\n\n", resp.Trigger))
	} else {
		sb.WriteString(fmt.Sprintf("Running standings (phase: %s, not final):\n\n", resp.Phase))
	}
	if len(resp.Rows) == 0 {
		sb.WriteString("No entries.")
		return sb.String(), nil
	}
	for _, r := range resp.Rows {
		rank, _ := getFloat(r, "rank")
		pnl, _ := getFloat(r, "pnl_bps")
		trades, _ := getFloat(r, "trade_count")
		sb.WriteString(fmt.Sprintf("%.0f. %s (%s)\n", rank, getString(r, "name"), getString(r, "agent_id")))
		sb.WriteString(fmt.Sprintf("   P&L: %+.0f bps | Trades: %.0f | Archetype: %s\n",
			pnl, trades, getString(r, "archetype")))
	}
	return sb.String(), nil
}

func formatMarket(raw json.RawMessage) (string, error) {
	var resp struct {
		Phase string           `json:"phase"`
		Pairs []map[string]any `json:"pairs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected market response format")
	}
	if len(resp.Pairs) == 0 {
		return "No market data available for this arena.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Market state (phase: %s):\n\n", resp.Phase))
	for _, p := range resp.Pairs {
		price, _ := getFloat(p, "price")
		change, _ := getFloat(p, "change24h")
		vol, _ := getFloat(p, "volatility")
		sb.WriteString(fmt.Sprintf("%s\n", getString(p, "pair")))
		sb.WriteString(fmt.Sprintf("  Price: %.4f | 24h: %+.2f%% | Volatility: %.2f\n",
			price, change, vol))
	}
	return sb.String(), nil
}

func formatEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Events  []map[string]any `json:"events"`
		LastSeq float64          `json:"last_seq"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected events response format")
	}
	if len(resp.Events) == 0 {
		return "No new events.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d event(s):\n\n", len(resp.Events)))
	for _, e := range resp.Events {
		seq, _ := getFloat(e, "seq")
		sb.WriteString(fmt.Sprintf("[%.0f] %s", seq, getString(e, "type")))
		if agent := getString(e, "agentId"); agent != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", agent))
		}
		if msg := getString(e, "message"); msg != "" {
			sb.WriteString(": " + msg)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("\nLast sequence: %.0f (pass as 'since' to page forward)", resp.LastSeq))
	return sb.String(), nil
}

func formatCareer(m map[string]any) string {
	var sb strings.Builder
	sb.WriteString("Career:\n")
	sb.WriteString(fmt.Sprintf("  Agent: %s (%s)\n", getString(m, "name"), getString(m, "agentId")))
	sb.WriteString(fmt.Sprintf("  Archetype: %s\n", getString(m, "archetype")))
	played, _ := getFloat(m, "roundsPlayed")
	won, _ := getFloat(m, "roundsWon")
	sb.WriteString(fmt.Sprintf("  Rounds: %.0f played, %.0f won\n", played, won))
	if v, ok := getFloat(m, "cumulativePnlBps"); ok {
		sb.WriteString(fmt.Sprintf("  Cumulative P&L: %+.0f bps\n", v))
	}
	if v, ok := getFloat(m, "bestRoundBps"); ok {
		sb.WriteString(fmt.Sprintf("  Best Round: %+.0f bps\n", v))
	}
	if v, ok := getFloat(m, "worstRoundBps"); ok {
		sb.WriteString(fmt.Sprintf("  Worst Round: %+.0f bps\n", v))
	}
	return sb.String()
}

func formatLessons(raw json.RawMessage) (string, error) {
	var resp struct {
		Lessons []map[string]any `json:"lessons"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected lessons response format")
	}
	if len(resp.Lessons) == 0 {
		return "No lessons recorded for this agent yet.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d lesson(s):\n\n", len(resp.Lessons)))
	for i, l := range resp.Lessons {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, getString(l, "text")))
		sb.WriteString(fmt.Sprintf("   Arena: %s | Recorded: %s\n",
			getString(l, "arenaId"), getString(l, "createdAt")))
	}
	return sb.String(), nil
}

func formatCareerLeaderboard(raw json.RawMessage) (string, error) {
	var resp struct {
		Leaderboard []map[string]any `json:"leaderboard"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected leaderboard response format")
	}
	if len(resp.Leaderboard) == 0 {
		return "No settled rounds yet.", nil
	}

	var sb strings.Builder
	sb.WriteString("All-time leaderboard:\n\n")
	for i, r := range resp.Leaderboard {
		cum, _ := getFloat(r, "cumulativePnlBps")
		played, _ := getFloat(r, "roundsPlayed")
		won, _ := getFloat(r, "roundsWon")
		sb.WriteString(fmt.Sprintf("%d. %s (%s)\n", i+1, getString(r, "name"), getString(r, "agentId")))
		sb.WriteString(fmt.Sprintf("   Cumulative: %+.0f bps | Rounds: %.0f played, %.0f won\n",
			cum, played, won))
	}
	return sb.String(), nil
}

func joinAny(v any) string {
	items, ok := v.([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
