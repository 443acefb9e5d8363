package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/arena/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed career store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the career tables. The same schema ships as a goose
// migration; this covers deployments that skip cmd/migrate.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_careers (
			agent_id           VARCHAR(64) PRIMARY KEY,
			name               VARCHAR(128) NOT NULL DEFAULT '',
			archetype          VARCHAR(32) NOT NULL DEFAULT '',
			rounds_played      INTEGER NOT NULL DEFAULT 0,
			rounds_won         INTEGER NOT NULL DEFAULT 0,
			cumulative_pnl_bps BIGINT NOT NULL DEFAULT 0,
			best_round_bps     BIGINT NOT NULL DEFAULT 0,
			worst_round_bps    BIGINT NOT NULL DEFAULT 0,
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS agent_pair_stats (
			agent_id    VARCHAR(64) NOT NULL,
			pair        VARCHAR(32) NOT NULL,
			trades      INTEGER NOT NULL DEFAULT 0,
			net_pnl_bps BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (agent_id, pair)
		);

		CREATE TABLE IF NOT EXISTS agent_trust (
			buyer_id           VARCHAR(64) NOT NULL,
			agent_id           VARCHAR(64) NOT NULL,
			purchases_total    INTEGER NOT NULL DEFAULT 0,
			purchases_accurate INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (buyer_id, agent_id)
		);

		CREATE TABLE IF NOT EXISTS agent_lessons (
			id         VARCHAR(64) PRIMARY KEY,
			agent_id   VARCHAR(64) NOT NULL,
			arena_id   VARCHAR(64) NOT NULL,
			text       TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_lessons_agent ON agent_lessons(agent_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_careers_pnl ON agent_careers(cumulative_pnl_bps DESC);
	`)
	return err
}

func (p *PostgresStore) ApplyRound(ctx context.Context, res RoundResult) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	won := 0
	if res.Won {
		won = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_careers
			(agent_id, name, archetype, rounds_played, rounds_won,
			 cumulative_pnl_bps, best_round_bps, worst_round_bps, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $5, $5, NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			rounds_played      = agent_careers.rounds_played + 1,
			rounds_won         = agent_careers.rounds_won + $4,
			cumulative_pnl_bps = agent_careers.cumulative_pnl_bps + $5,
			best_round_bps     = GREATEST(agent_careers.best_round_bps, $5),
			worst_round_bps    = LEAST(agent_careers.worst_round_bps, $5),
			updated_at         = NOW()
	`, res.AgentID, res.Name, res.Archetype, won, res.PnLBps)
	if err != nil {
		return fmt.Errorf("upsert career: %w", err)
	}

	// PairCounts covers every trade; PairPnL only the pairs with a
	// per-fill P&L attribution. A pair traded without one still counts.
	for pair, count := range res.PairCounts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_pair_stats (agent_id, pair, trades, net_pnl_bps)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (agent_id, pair) DO UPDATE SET
				trades      = agent_pair_stats.trades + $3,
				net_pnl_bps = agent_pair_stats.net_pnl_bps + $4
		`, res.AgentID, pair, count, res.PairPnL[pair])
		if err != nil {
			return fmt.Errorf("upsert pair stats for %s: %w", pair, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Career(ctx context.Context, agentID string) (*Career, error) {
	c := &Career{AgentID: agentID}
	err := p.db.QueryRowContext(ctx, `
		SELECT name, archetype, rounds_played, rounds_won,
		       cumulative_pnl_bps, best_round_bps, worst_round_bps, updated_at
		FROM agent_careers WHERE agent_id = $1
	`, agentID).Scan(&c.Name, &c.Archetype, &c.RoundsPlayed, &c.RoundsWon,
		&c.CumulativePnLBps, &c.BestRoundBps, &c.WorstRoundBps, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) PairStats(ctx context.Context, agentID string) ([]PairStats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT pair, trades, net_pnl_bps
		FROM agent_pair_stats WHERE agent_id = $1 ORDER BY pair
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PairStats
	for rows.Next() {
		ps := PairStats{AgentID: agentID}
		if err := rows.Scan(&ps.Pair, &ps.Trades, &ps.NetPnLBps); err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]Career, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT agent_id, name, archetype, rounds_played, rounds_won,
		       cumulative_pnl_bps, best_round_bps, worst_round_bps, updated_at
		FROM agent_careers
		ORDER BY cumulative_pnl_bps DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Career
	for rows.Next() {
		var c Career
		if err := rows.Scan(&c.AgentID, &c.Name, &c.Archetype, &c.RoundsPlayed, &c.RoundsWon,
			&c.CumulativePnLBps, &c.BestRoundBps, &c.WorstRoundBps, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordIntelOutcome(ctx context.Context, buyerID, sellerID string, accurate bool) error {
	acc := 0
	if accurate {
		acc = 1
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_trust (buyer_id, agent_id, purchases_total, purchases_accurate)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (buyer_id, agent_id) DO UPDATE SET
			purchases_total    = agent_trust.purchases_total + 1,
			purchases_accurate = agent_trust.purchases_accurate + $3
	`, buyerID, sellerID, acc)
	return err
}

// Trust aggregates the seller's relationships across every buyer.
func (p *PostgresStore) Trust(ctx context.Context, agentID string) (*Trust, error) {
	tr := &Trust{AgentID: agentID}
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(purchases_total), 0), COALESCE(SUM(purchases_accurate), 0)
		FROM agent_trust WHERE agent_id = $1
	`, agentID).Scan(&tr.PurchasesTotal, &tr.PurchasesAccurate)
	if err != nil {
		return nil, err
	}
	tr.Score = TrustScore(tr.PurchasesTotal, tr.PurchasesAccurate)
	return tr, nil
}

func (p *PostgresStore) TrustBetween(ctx context.Context, buyerID, sellerID string) (*Trust, error) {
	tr := &Trust{AgentID: sellerID, BuyerID: buyerID}
	err := p.db.QueryRowContext(ctx, `
		SELECT purchases_total, purchases_accurate
		FROM agent_trust WHERE buyer_id = $1 AND agent_id = $2
	`, buyerID, sellerID).Scan(&tr.PurchasesTotal, &tr.PurchasesAccurate)
	if err == sql.ErrNoRows {
		tr.Score = TrustScore(0, 0)
		return tr, nil
	}
	if err != nil {
		return nil, err
	}
	tr.Score = TrustScore(tr.PurchasesTotal, tr.PurchasesAccurate)
	return tr, nil
}

func (p *PostgresStore) AddLesson(ctx context.Context, l Lesson) error {
	if l.ID == "" {
		l.ID = idgen.WithPrefix("les_")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_lessons (id, agent_id, arena_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, l.ID, l.AgentID, l.ArenaID, l.Text, l.CreatedAt)
	return err
}

func (p *PostgresStore) Lessons(ctx context.Context, agentID string, limit int) ([]Lesson, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, arena_id, text, created_at
		FROM agent_lessons WHERE agent_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Lesson
	for rows.Next() {
		l := Lesson{AgentID: agentID}
		if err := rows.Scan(&l.ID, &l.ArenaID, &l.Text, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
