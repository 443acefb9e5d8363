package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arena/internal/agent"
	"github.com/mbd888/arena/internal/arena"
	"github.com/mbd888/arena/internal/budget"
	"github.com/mbd888/arena/internal/decision"
	"github.com/mbd888/arena/internal/engine"
	"github.com/mbd888/arena/internal/idgen"
	"github.com/mbd888/arena/internal/intel"
	"github.com/mbd888/arena/internal/ledger"
	"github.com/mbd888/arena/internal/market"
	"github.com/mbd888/arena/internal/metrics"
	"github.com/mbd888/arena/internal/onboarding"
	"github.com/mbd888/arena/internal/ports"
	"github.com/mbd888/arena/internal/settlement"
	"github.com/mbd888/arena/internal/validation"
	"github.com/mbd888/arena/internal/wallet"
	"github.com/mbd888/arena/pkg/x402"
)

// roundState bundles everything a running arena owns.
type roundState struct {
	ar      *arena.Arena
	agents  []*agent.LobbyAgent
	funds   *budget.Ledger
	market  *intel.Marketplace
	settler *settlement.Settler
	round   *engine.Round // nil until onboarding finishes
}

// rivalNames seeds system-generated opponents.
var rivalNames = []string{"vega", "kelly", "hurst", "monte", "delta", "sharpe", "theta", "wyckoff"}

type createAgentRequest struct {
	Name      string `json:"name"`
	Archetype string `json:"archetype"`
	Owned     bool   `json:"owned"`
}

type createArenaRequest struct {
	DurationSec     int                  `json:"durationSec"`
	TickIntervalSec int                  `json:"tickIntervalSec"`
	MaxAgents       int                  `json:"maxAgents"`
	Pairs           []string             `json:"pairs"`
	StartingBalance float64              `json:"startingBalance"`
	Agents          []createAgentRequest `json:"agents"`
	Rivals          int                  `json:"rivals"`
}

func (s *Server) createArena(c *gin.Context) {
	var req createArenaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	archetypes := agent.Archetypes()
	var validators []func() *validation.ValidationError
	for _, p := range req.Pairs {
		validators = append(validators, validation.ValidPair("pairs", p))
	}
	for _, a := range req.Agents {
		validators = append(validators,
			validation.Required("agents.name", a.Name),
			validation.MaxLength("agents.name", a.Name, validation.MaxNameLength),
			validation.OneOf("agents.archetype", a.Archetype, archetypes...),
		)
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	cfg := s.cfg.ArenaConfig()
	if req.DurationSec > 0 {
		cfg.Duration = time.Duration(req.DurationSec) * time.Second
	}
	if req.TickIntervalSec > 0 {
		cfg.TickInterval = time.Duration(req.TickIntervalSec) * time.Second
	}
	if req.MaxAgents > 0 {
		cfg.MaxAgents = req.MaxAgents
	}
	if len(req.Pairs) > 0 {
		cfg.Pairs = req.Pairs
	}
	if req.StartingBalance > 0 {
		cfg.StartingBalance = req.StartingBalance
	}

	rivals := req.Rivals
	if len(req.Agents) == 0 && rivals == 0 {
		rivals = 4 // spectator round
	}
	if len(req.Agents)+rivals > cfg.MaxAgents {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "too_many_agents",
			"message": "agent count exceeds arena capacity",
		})
		return
	}

	ar := arena.NewArena(cfg)

	agents := make([]*agent.LobbyAgent, 0, len(req.Agents)+rivals)
	for _, a := range req.Agents {
		name := validation.SanitizeString(a.Name, validation.MaxNameLength)
		agents = append(agents, agent.NewLobbyAgent(idgen.WithPrefix("ag_"), name, a.Archetype, a.Owned))
	}
	for i := 0; i < rivals; i++ {
		name := rivalNames[i%len(rivalNames)]
		archetype := archetypes[i%len(archetypes)]
		agents = append(agents, agent.NewLobbyAgent(idgen.WithPrefix("ag_"), name, archetype, false))
	}

	funds := budget.NewLedger()
	marketplace := intel.NewMarketplace(ar.ID, budget.FromFloat(cfg.IntelPrice), funds, s.logger)
	marketplace.SetFetcher(x402.NewClient(&signerPayer{signer: s.queue, addr: s.platform.Address()}))

	rs := &roundState{
		ar:     ar,
		agents: agents,
		funds:  funds,
		market: marketplace,
		settler: settlement.New(settlement.Deps{
			Feed:        s.feed,
			Swaps:       s.swaps,
			Platform:    s.queue,
			Funder:      s.funder,
			Provisioner: s.provisioner,
			Market:      marketplace,
			Career:      s.career,
			Bus:         s.bus,
			Logger:      s.logger,
		}),
	}

	s.registry.Add(ar)
	s.roundsMu.Lock()
	s.rounds[ar.ID] = rs
	s.roundsMu.Unlock()
	metrics.ActiveArenas.Inc()

	go s.launchRound(rs)

	c.JSON(http.StatusCreated, gin.H{
		"arena":  ar.Snapshot(),
		"agents": agentSummaries(agents),
	})
}

// launchRound runs the sequential onboarding pipeline and, if at least
// one agent came out ready, starts the trading round.
func (s *Server) launchRound(rs *roundState) {
	ctx := context.Background()

	pipeline := onboarding.New(s.provisioner, s.funder, s.queue, s.encryptor, rs.funds, s.bus, s.logger)
	result, err := pipeline.Run(ctx, rs.ar, rs.agents)
	if err != nil {
		s.logger.Error("onboarding failed, resolving arena", "arena_id", rs.ar.ID, "error", err)
		if serr := rs.settler.Settle(ctx, rs.ar, rs.agents, nil, "onboarding_failed"); serr != nil {
			s.logger.Error("failed to resolve dead arena", "arena_id", rs.ar.ID, "error", serr)
		}
		return
	}

	provider := decision.NewHeuristic(s.feed, rs.market, s.logger, time.Now().UnixNano())
	pressure := market.NewGenerator(s.feed, s.queue, s.bus, s.logger, time.Now().UnixNano())
	if s.cfg.PressureInterval > 0 {
		pressure.Interval = s.cfg.PressureInterval
	}

	round := engine.NewRound(rs.ar, result.Ready, engine.Deps{
		Feed:     s.feed,
		Swaps:    s.swaps,
		Provider: provider,
		Platform: s.queue,
		Signers: func(agentID string) (ports.Signer, bool) {
			w, ok := s.provisioner.Lookup(agentID)
			if !ok {
				return nil, false
			}
			return w, true
		},
		Encryptor: s.encryptor,
		Funds:     rs.funds,
		Pressure:  pressure,
		Settler:   rs.settler,
		Bus:       s.bus,
		Logger:    s.logger,
	}, time.Now().UnixNano())

	s.roundsMu.Lock()
	rs.round = round
	s.roundsMu.Unlock()

	if err := round.Start(ctx); err != nil {
		s.logger.Error("round start failed", "arena_id", rs.ar.ID, "error", err)
	}
}

func (s *Server) roundFor(id string) (*roundState, bool) {
	s.roundsMu.RLock()
	defer s.roundsMu.RUnlock()
	rs, ok := s.rounds[id]
	return rs, ok
}

func (s *Server) listArenas(c *gin.Context) {
	arenas := s.registry.List()
	out := make([]arena.Snapshot, 0, len(arenas))
	for _, ar := range arenas {
		out = append(out, ar.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"arenas": out, "count": len(out)})
}

func (s *Server) getArena(c *gin.Context) {
	ar, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "arena not found"})
		return
	}
	c.JSON(http.StatusOK, ar.Snapshot())
}

func (s *Server) listEntries(c *gin.Context) {
	ar, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "arena not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"phase":   ar.Phase(),
		"entries": ar.Entries(),
	})
}

func (s *Server) listEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.registry.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "arena not found"})
		return
	}
	since, _ := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	evs := s.bus.Since(since, id)
	c.JSON(http.StatusOK, gin.H{
		"events":   evs,
		"last_seq": s.bus.LastSeq(),
	})
}

func (s *Server) arenaMarket(c *gin.Context) {
	ar, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "arena not found"})
		return
	}

	snap := ar.Snapshot()
	states := make([]*ports.MarketState, 0, len(snap.Pairs))
	for _, pair := range snap.Pairs {
		st, err := s.feed.GetState(c.Request.Context(), pair)
		if err != nil {
			continue
		}
		states = append(states, st)
	}
	c.JSON(http.StatusOK, gin.H{
		"phase": snap.Phase,
		"pairs": states,
	})
}

func (s *Server) arenaLeaderboard(c *gin.Context) {
	ar, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "arena not found"})
		return
	}

	entries := ar.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].PnLBps != entries[j].PnLBps {
			return entries[i].PnLBps > entries[j].PnLBps
		}
		return entries[i].TradeCount < entries[j].TradeCount
	})

	rows := make([]gin.H, 0, len(entries))
	for i, e := range entries {
		rows = append(rows, gin.H{
			"rank":        i + 1,
			"agent_id":    e.AgentID,
			"name":        e.AgentName,
			"archetype":   e.Archetype,
			"pnl_bps":     e.PnLBps,
			"trade_count": e.TradeCount,
			"revealed":    e.Revealed,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"phase":   ar.Phase(),
		"final":   ar.Phase() == arena.PhaseSettled,
		"trigger": ar.ResolveTrigger(),
		"rows":    rows,
	})
}

func (s *Server) resolveArena(c *gin.Context) {
	id := c.Param("id")
	rs, ok := s.roundFor(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "arena not found"})
		return
	}
	switch rs.ar.Phase() {
	case arena.PhaseReveal, arena.PhaseSettled:
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "trigger": rs.ar.ResolveTrigger()})
		return
	case arena.PhaseLobby:
		c.JSON(http.StatusConflict, gin.H{"error": "not_started", "message": "onboarding still in progress"})
		return
	}

	s.roundsMu.RLock()
	round := rs.round
	s.roundsMu.RUnlock()
	if round == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "not_started", "message": "round not running"})
		return
	}
	if err := round.Resolve(c.Request.Context(), "manual"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved", "phase": rs.ar.Phase()})
}

type registerSellerRequest struct {
	SellerID string `json:"sellerId"`
	URL      string `json:"url"`
}

// registerSeller adds an external intel seller reachable over HTTP with
// x402 paywall settlement.
func (s *Server) registerSeller(c *gin.Context) {
	rs, ok := s.roundFor(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "arena not found"})
		return
	}
	var req registerSellerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.SellerID == "" || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "sellerId and url are required"})
		return
	}
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "url must be http or https"})
		return
	}
	rs.market.RegisterRemoteSeller(req.SellerID, req.URL)
	c.JSON(http.StatusCreated, gin.H{"status": "registered", "seller_id": req.SellerID})
}

func (s *Server) getCareer(c *gin.Context) {
	career, err := s.career.Career(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownAgent) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no career for agent"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, career)
}

func (s *Server) getPairStats(c *gin.Context) {
	stats, err := s.career.PairStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairs": stats})
}

// getTrust returns the seller's aggregate rating, or the single
// buyer-to-seller relationship when a buyer is named.
func (s *Server) getTrust(c *gin.Context) {
	var (
		trust *ledger.Trust
		err   error
	)
	if buyer := c.Query("buyer"); buyer != "" {
		trust, err = s.career.TrustBetween(c.Request.Context(), buyer, c.Param("id"))
	} else {
		trust, err = s.career.Trust(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trust)
}

func (s *Server) getLessons(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	lessons, err := s.career.Lessons(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lessons": lessons})
}

func (s *Server) careerLeaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	rows, err := s.career.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": rows})
}

func agentSummaries(agents []*agent.LobbyAgent) []gin.H {
	out := make([]gin.H, 0, len(agents))
	for _, a := range agents {
		out = append(out, gin.H{
			"id":        a.ID,
			"name":      a.Name,
			"archetype": a.Archetype,
			"owned":     a.Owned,
			"step":      a.Step().String(),
		})
	}
	return out
}

// signerPayer adapts the platform signing queue to the x402 client's
// payment interface.
type signerPayer struct {
	signer ports.Signer
	addr   string
}

func (p *signerPayer) Address() string { return p.addr }

func (p *signerPayer) Pay(ctx context.Context, recipient string, amount *big.Int) (string, error) {
	ref, err := p.signer.Submit(ctx, ports.Operation{
		Kind:  wallet.OpTransfer,
		To:    recipient,
		Value: amount,
	})
	if err != nil {
		return "", err
	}
	return string(ref), nil
}
