package recording

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Table               string
}

const defaultTable = "recordings"

// NewPostgresRepository opens a Postgres-backed Repository. The caller
// must ensure the target table's migrations have already been applied.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("recording: postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("recording: parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("recording: open postgres pool: %w", err)
	}

	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultTable
	}
	return &postgresRepository{pool: pool, table: table}, nil
}

type postgresRepository struct {
	pool  *pgxpool.Pool
	table string
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// UpdateFields builds and executes a narrow UPDATE ... SET statement
// touching only the columns present on update. An update with no fields
// set is a no-op that never reaches the database.
func (r *postgresRepository) UpdateFields(ctx context.Context, recordingID string, update FieldUpdate) error {
	var sets []string
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if update.Status != nil {
		sets = append(sets, "status = "+next(string(*update.Status)))
	}
	if update.IsLiveStreaming != nil {
		sets = append(sets, "is_live_streaming = "+next(*update.IsLiveStreaming))
	}
	if update.StreamStartedAt != nil {
		sets = append(sets, "stream_started_at = "+next(*update.StreamStartedAt))
	}
	if update.StreamEndedAt != nil {
		sets = append(sets, "stream_ended_at = "+next(*update.StreamEndedAt))
	}
	if update.Duration != nil {
		sets = append(sets, "duration_seconds = "+next(int64(update.Duration.Seconds())))
	}
	if update.PauseCount != nil {
		sets = append(sets, "pause_count = "+next(*update.PauseCount))
	}
	if update.PauseDurationTotal != nil {
		sets = append(sets, "pause_duration_total_seconds = "+next(int64(update.PauseDurationTotal.Seconds())))
	}
	if update.PauseEvents != nil {
		sets = append(sets, "pause_events = "+next(encodePauseEvents(update.PauseEvents)))
	}
	if update.StorageBucket != nil {
		sets = append(sets, "storage_bucket = "+next(*update.StorageBucket))
	}
	if update.StorageKey != nil {
		sets = append(sets, "storage_key = "+next(*update.StorageKey))
	}
	if update.FileBytes != nil {
		sets = append(sets, "file_bytes = "+next(*update.FileBytes))
	}
	if update.PlaybackFormat != nil {
		sets = append(sets, "playback_format = "+next(*update.PlaybackFormat))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = %s",
		r.table, strings.Join(sets, ", "), next(recordingID),
	)
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("recording: update fields for %s: %w", recordingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recording: no row found for recording id %s", recordingID)
	}
	return nil
}

func encodePauseEvents(events []PauseEvent) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range events {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"pausedAt":%q,"resumedAt":%q,"durationSeconds":%d}`,
			e.PausedAt.UTC().Format(time.RFC3339), e.ResumedAt.UTC().Format(time.RFC3339), int64(e.Duration.Seconds()))
	}
	b.WriteByte(']')
	return b.String()
}
