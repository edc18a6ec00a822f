package persist

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PostgresWriter archives recordings into PostgreSQL. Samples go in with
// COPY; the recording row, samples and events commit in one transaction.
type PostgresWriter struct {
	dsn      string
	migrate  sync.Once
	migrated error
}

func NewPostgresWriter(dsn string) *PostgresWriter {
	return &PostgresWriter{dsn: dsn}
}

func (w *PostgresWriter) Format() string { return "postgres" }

func (w *PostgresWriter) Write(ctx context.Context, rec *Recording) (string, error) {
	w.migrate.Do(func() { w.migrated = Migrate(ctx, w.dsn) })
	if w.migrated != nil {
		return "", w.migrated
	}

	conn, err := pgx.Connect(ctx, w.dsn)
	if err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	id := uuid.New()
	tx, err := conn.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(context.Background())

	_, err = tx.Exec(ctx, `
		INSERT INTO recordings (id, session_id, device_type, port, sample_rate, channels,
			start_time, saved_at, detection_threshold, baseline, cooldown_period,
			detector_mode, calibrated, calibration_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		id.String(), rec.SessionID, rec.DeviceType, rec.Port, rec.SampleRate, rec.Channels,
		rec.StartTime, rec.SavedAt, rec.Threshold, rec.Baseline, rec.Cooldown,
		rec.Mode, rec.Calibrated, rec.Calibration)
	if err != nil {
		return "", fmt.Errorf("insert recording: %w", err)
	}

	marks := rec.EventMarks()
	rows := make([][]interface{}, len(rec.Timestamps))
	for i, t := range rec.Timestamps {
		raw := make([]float64, rec.Channels)
		filtered := make([]float64, rec.Channels)
		for ch := 0; ch < rec.Channels; ch++ {
			raw[ch] = rec.Raw[ch][i]
			filtered[ch] = rec.Filtered[ch][i]
		}
		artifact := i < len(rec.Artifact) && rec.Artifact[i]
		rows[i] = []interface{}{id.String(), i, t, raw, filtered, artifact, marks[i]}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"samples"},
		[]string{"recording_id", "idx", "ts", "raw", "filtered", "artifact", "is_event"},
		pgx.CopyFromRows(rows)); err != nil {
		return "", fmt.Errorf("copy samples: %w", err)
	}

	batch := &pgx.Batch{}
	for _, e := range rec.Events {
		batch.Queue(`
			INSERT INTO events (recording_id, event_id, detected_at, sample_time, elapsed_time,
				kind, channel, value, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id.String(), int64(e.ID), e.Timestamp, e.SampleTime, e.ElapsedTime,
			e.Kind, e.Channel, e.Value, e.Confidence)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return "", fmt.Errorf("insert event: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return "postgres://recordings/" + id.String(), nil
}
