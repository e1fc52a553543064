// Package archive mirrors committed trades out of process memory: bet
// records are appended to PostgreSQL and market updates are published to
// Redis for external consumers, with the latest price vector cached under a
// per-market key.
//
// The archive is a best-effort, write-behind sink. The in-memory registry
// remains the sole source of truth; a failed archive write is counted and
// logged but never fails or retries the trade that produced it. A single
// worker drains one queue, so per-market archive order matches commit order.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/marketfold/prediction-engine/internal/metrics"
	"github.com/marketfold/prediction-engine/internal/model"
)

// Schema is the DDL for the mirrored bet ledger. Monetary columns are
// NUMERIC for exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS bets (
    id            BIGINT PRIMARY KEY,
    user_id       BIGINT NOT NULL,
    username      TEXT NOT NULL,
    market_id     BIGINT NOT NULL,
    outcome_index INT NOT NULL,
    outcome_name  TEXT NOT NULL,
    amount        NUMERIC NOT NULL,
    cost          NUMERIC NOT NULL,
    ts            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bets_market_idx ON bets (market_id);
CREATE INDEX IF NOT EXISTS bets_user_idx ON bets (user_id);
`

// UpdateChannel is the Redis pub/sub channel carrying market updates.
const UpdateChannel = "market_updates"

// Archiver drains committed-trade updates into the configured sinks. Either
// sink may be nil; the other still runs. It satisfies the engine's
// Broadcaster interface.
type Archiver struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	ttl    time.Duration
	queue  chan model.MarketUpdate
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an archiver writing to the given sinks. Pass nil for a sink
// that is not configured.
func New(pool *pgxpool.Pool, rdb *redis.Client, ttl time.Duration) *Archiver {
	return &Archiver{
		pool:  pool,
		rdb:   rdb,
		ttl:   ttl,
		queue: make(chan model.MarketUpdate, 1024),
		done:  make(chan struct{}),
	}
}

// Init creates the bet ledger table if Postgres is configured.
func (a *Archiver) Init(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if _, err := a.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: init schema: %w", err)
	}
	return nil
}

// Start launches the single drain worker.
func (a *Archiver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.run(ctx)
}

// Close stops the worker after draining queued updates.
func (a *Archiver) Close() {
	close(a.queue)
	<-a.done
	if a.cancel != nil {
		a.cancel()
	}
}

// PublishUpdate enqueues a committed-trade update. Non-blocking: the caller
// holds the market's commit lock, so a full queue drops the update rather
// than stalling trade execution.
func (a *Archiver) PublishUpdate(update model.MarketUpdate) {
	select {
	case a.queue <- update:
	default:
		metrics.ArchiveErrors.WithLabelValues("queue").Inc()
		slog.Warn("archive queue full, update dropped",
			"market", update.MarketID, "bet", update.NewBet.ID)
	}
}

func (a *Archiver) run(ctx context.Context) {
	defer close(a.done)
	for update := range a.queue {
		a.archiveBet(ctx, update.NewBet)
		a.publish(ctx, update)
	}
}

// archiveBet appends the bet record to the Postgres ledger. Re-delivery is
// harmless: the bet ID is the primary key and conflicts are ignored.
func (a *Archiver) archiveBet(ctx context.Context, bet model.Bet) {
	if a.pool == nil {
		return
	}
	_, err := a.pool.Exec(ctx,
		`INSERT INTO bets (id, user_id, username, market_id, outcome_index, outcome_name, amount, cost, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT (id) DO NOTHING`,
		bet.ID, bet.UserID, bet.Username, bet.MarketID,
		bet.OutcomeIndex, bet.OutcomeName,
		bet.Amount.String(), bet.Cost.String(), bet.Timestamp,
	)
	if err != nil {
		metrics.ArchiveErrors.WithLabelValues("postgres").Inc()
		slog.Error("archive bet insert failed", "bet", bet.ID, "err", err)
	}
}

// publish caches the latest price vector and fans the update out over
// Redis pub/sub.
func (a *Archiver) publish(ctx context.Context, update model.MarketUpdate) {
	if a.rdb == nil {
		return
	}
	data, err := json.Marshal(update)
	if err != nil {
		metrics.ArchiveErrors.WithLabelValues("redis").Inc()
		slog.Error("archive marshal failed", "market", update.MarketID, "err", err)
		return
	}

	if prices, err := json.Marshal(update.Prices); err == nil {
		if err := a.rdb.Set(ctx, pricesKey(update.MarketID), prices, a.ttl).Err(); err != nil {
			metrics.ArchiveErrors.WithLabelValues("redis").Inc()
			slog.Error("archive price cache failed", "market", update.MarketID, "err", err)
		}
	}
	if err := a.rdb.Publish(ctx, UpdateChannel, data).Err(); err != nil {
		metrics.ArchiveErrors.WithLabelValues("redis").Inc()
		slog.Error("archive publish failed", "market", update.MarketID, "err", err)
	}
}

func pricesKey(marketID int64) string { return fmt.Sprintf("market:%d:prices", marketID) }
