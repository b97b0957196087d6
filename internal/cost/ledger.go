// Package cost persists per-call token usage and spend to a SQLite
// ledger and aggregates it by time window.
package cost

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/lucydhq/lucyd/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS costs (
	timestamp INTEGER,
	session_id TEXT,
	model TEXT,
	input_tokens INTEGER,
	output_tokens INTEGER,
	cache_read_tokens INTEGER,
	cache_write_tokens INTEGER,
	cost_usd REAL
)`

// SubAgentPrefix marks ledger rows charged by spawned sub-agents so
// their spend can be segregated from interactive spend.
const SubAgentPrefix = "sub-"

// Ledger is an append-only SQLite spend log. The database is opened and
// closed per operation: writes are rare (one per provider call) and a
// long-lived handle would hold the file lock across the daemon's
// lifetime.
type Ledger struct {
	path string
}

// NewLedger creates a ledger backed by the SQLite file at path. Call
// Init before first use; calling it again is a no-op.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

func (l *Ledger) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", l.path))
	if err != nil {
		return nil, fmt.Errorf("open cost ledger: %w", err)
	}
	return db, nil
}

// Init creates the costs table if it does not exist.
func (l *Ledger) Init(ctx context.Context) error {
	db, err := l.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init cost ledger: %w", err)
	}
	return nil
}

// Record appends one row for a provider call.
func (l *Ledger) Record(ctx context.Context, sessionID, model string, usage models.Usage, costUSD float64) error {
	db, err := l.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx,
		`INSERT INTO costs (timestamp, session_id, model, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), sessionID, model,
		usage.InputTokens, usage.OutputTokens,
		usage.CacheReadTokens, usage.CacheWriteTokens, costUSD)
	if err != nil {
		return fmt.Errorf("record cost: %w", err)
	}
	return nil
}

// ModelSummary aggregates spend for one model within a window.
type ModelSummary struct {
	Model            string  `json:"model"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Summary is the aggregated spend for a period.
type Summary struct {
	Period       string         `json:"period"`
	TotalCost    float64        `json:"total_cost"`
	SubAgentCost float64        `json:"sub_agent_cost,omitempty"`
	Models       []ModelSummary `json:"models"`
}

// periodStart maps a period name to its window start in Unix seconds.
// "today" starts at local midnight; "week" is a rolling seven days.
func periodStart(period string, now time.Time) (int64, error) {
	switch period {
	case "today":
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return midnight.Unix(), nil
	case "week":
		return now.Add(-7 * 24 * time.Hour).Unix(), nil
	case "all":
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown period %q", period)
	}
}

// SummaryForPeriod aggregates spend per model for "today", "week", or
// "all", plus the sub-agent share of the total.
func (l *Ledger) SummaryForPeriod(ctx context.Context, period string) (*Summary, error) {
	since, err := periodStart(period, time.Now())
	if err != nil {
		return nil, err
	}

	db, err := l.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT model,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_write_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		 FROM costs WHERE timestamp > ?
		 GROUP BY model ORDER BY SUM(cost_usd) DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("query cost summary: %w", err)
	}
	defer rows.Close()

	summary := &Summary{Period: period, Models: []ModelSummary{}}
	for rows.Next() {
		var m ModelSummary
		if err := rows.Scan(&m.Model, &m.InputTokens, &m.OutputTokens,
			&m.CacheReadTokens, &m.CacheWriteTokens, &m.CostUSD); err != nil {
			return nil, fmt.Errorf("scan cost summary: %w", err)
		}
		summary.Models = append(summary.Models, m)
		summary.TotalCost += m.CostUSD
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cost summary: %w", err)
	}

	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM costs
		 WHERE timestamp > ? AND session_id LIKE ?`,
		since, SubAgentPrefix+"%").Scan(&summary.SubAgentCost)
	if err != nil {
		return nil, fmt.Errorf("query sub-agent cost: %w", err)
	}

	return summary, nil
}

// TodayCost returns today's total spend, for the status endpoint.
func (l *Ledger) TodayCost(ctx context.Context) (float64, error) {
	summary, err := l.SummaryForPeriod(ctx, "today")
	if err != nil {
		return 0, err
	}
	return summary.TotalCost, nil
}
