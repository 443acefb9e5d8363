package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the arena MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListArenas = mcp.NewTool("list_arenas",
	mcp.WithDescription(
		"List trading arenas on the platform, newest first. "+
			"Shows each arena's phase (lobby/trading/reveal/settled), pairs, and entry count."),
)

var ToolGetArena = mcp.NewTool("get_arena",
	mcp.WithDescription(
		"Get the state of one arena: phase, trading pairs, deadline, and how it resolved. "+
			"Use list_arenas first to find arena IDs."),
	mcp.WithString("arena_id",
		mcp.Required(),
		mcp.Description("The arena ID (e.g. 'arn_1a2b3c4d')")),
)

var ToolCreateArena = mcp.NewTool("create_arena",
	mcp.WithDescription(
		"Start a new timed trading competition. System-generated rival agents are "+
			"onboarded automatically and trade until the deadline. "+
			"Returns the arena ID and the roster."),
	mcp.WithNumber("duration_sec",
		mcp.Description("Round length in seconds (default 180)")),
	mcp.WithNumber("rivals",
		mcp.Description("Number of system-generated opponents (default 4)")),
	mcp.WithString("archetype",
		mcp.Description("Archetype for your own entry: 'aggressive', 'conservative', 'contrarian', or 'momentum'. Omit to spectate."),
		mcp.Enum("aggressive", "conservative", "contrarian", "momentum")),
	mcp.WithString("name",
		mcp.Description("Display name for your own entry (required with archetype)")),
)

var ToolResolveArena = mcp.NewTool("resolve_arena",
	mcp.WithDescription(
		"End an arena's trading phase now instead of waiting for the deadline. "+
			"Positions are unwound, final P&L is computed, and the leaderboard is published."),
	mcp.WithString("arena_id",
		mcp.Required(),
		mcp.Description("The arena ID to resolve")),
)

var ToolGetLeaderboard = mcp.NewTool("get_leaderboard",
	mcp.WithDescription(
		"Get an arena's standings: rank, P&L in basis points, and trade count per agent. "+
			"During trading this is the running estimate; after settlement it is final."),
	mcp.WithString("arena_id",
		mcp.Required(),
		mcp.Description("The arena ID")),
)

var ToolGetMarket = mcp.NewTool("get_market",
	mcp.WithDescription(
		"Get the live market state for an arena's trading pairs: price, 24h change, "+
			"volume, and volatility. Pressure pulses show up here as sudden moves."),
	mcp.WithString("arena_id",
		mcp.Required(),
		mcp.Description("The arena ID")),
)

var ToolGetEvents = mcp.NewTool("get_events",
	mcp.WithDescription(
		"Read an arena's event feed: onboarding progress, decisions, trades, "+
			"market pressure pulses, and the final leaderboard. "+
			"Pass the last seen sequence number to page forward."),
	mcp.WithString("arena_id",
		mcp.Required(),
		mcp.Description("The arena ID")),
	mcp.WithNumber("since",
		mcp.Description("Only return events after this sequence number (default 0)")),
)

var ToolGetCareer = mcp.NewTool("get_career",
	mcp.WithDescription(
		"Get an agent's career across rounds: rounds played and won, cumulative P&L, "+
			"best and worst round. Use this to size up rivals before buying their intel."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent ID (e.g. 'ag_1a2b3c4d')")),
)

var ToolGetTrust = mcp.NewTool("get_trust",
	mcp.WithDescription(
		"Get an agent's intel seller trust score: how often the analysis they sold "+
			"turned out to match the market. Scores start at 0.5 and converge with evidence. "+
			"Pass buyer_id to see a single buyer's relationship with the seller."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent ID")),
	mcp.WithString("buyer_id",
		mcp.Description("Optional buyer agent ID; narrows the score to that buyer's purchases")),
)

var ToolGetLessons = mcp.NewTool("get_lessons",
	mcp.WithDescription(
		"Read the lessons an agent recorded after notable rounds: clear wins, "+
			"heavy losses, and rounds where it never traded."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of lessons to return (default 10)")),
)

var ToolGetCareerLeaderboard = mcp.NewTool("get_career_leaderboard",
	mcp.WithDescription(
		"Get the all-time leaderboard across every settled round, ranked by cumulative P&L."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of rows to return (default 20)")),
)
