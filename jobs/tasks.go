package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldstone-cmms/fieldstone/internal/authz"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzCacheWarmup pre-computes effective permission sets for
	// principals with live sessions so their first request after a cache
	// flush does not pay the store round trip.
	TaskAuthzCacheWarmup = "authz:cache_warmup"
	// TaskSessionsPrune removes expired session rows from postgres.
	TaskSessionsPrune = "sessions:prune"
)

// CacheWarmupPayload bounds how many principals a single warmup run touches.
type CacheWarmupPayload struct {
	Limit int `json:"limit"`
}

// NewCacheWarmupTask constructs an Asynq task.
func NewCacheWarmupTask(payload CacheWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzCacheWarmup, data), nil
}

// NewSessionsPruneTask constructs an Asynq task.
func NewSessionsPruneTask() *asynq.Task {
	return asynq.NewTask(TaskSessionsPrune, nil)
}

// Deps carries the shared dependencies task handlers need.
type Deps struct {
	Pool   *pgxpool.Pool
	Engine *authz.Engine
	Logger *slog.Logger
}

// HandleCacheWarmup processes TaskAuthzCacheWarmup tasks.
func (d Deps) HandleCacheWarmup(ctx context.Context, t *asynq.Task) error {
	var payload CacheWarmupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := d.Pool.Query(ctx,
		`SELECT DISTINCT user_id FROM sessions WHERE expires_at > now() LIMIT $1`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	var principals []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		principals = append(principals, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	warmed := 0
	for _, id := range principals {
		if _, err := d.Engine.EffectivePermissions(ctx, id); err != nil {
			d.Logger.Warn("cache warmup skip principal",
				slog.Int64("principal_id", id), slog.Any("error", err))
			continue
		}
		warmed++
	}
	d.Logger.Info("authz cache warmup", slog.Int("warmed", warmed), slog.Int("candidates", len(principals)))
	return nil
}

// HandleSessionsPrune processes TaskSessionsPrune tasks.
func (d Deps) HandleSessionsPrune(ctx context.Context, t *asynq.Task) error {
	tag, err := d.Pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return err
	}
	d.Logger.Info("sessions pruned", slog.Int64("removed", tag.RowsAffected()))
	return nil
}
