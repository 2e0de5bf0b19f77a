package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chestnut/internal/tracker"
	logx "chestnut/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (LoadResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, record FROM trackers ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return LoadResult{}, err
	}

	type rewrite struct{ name, record string }
	var (
		res      LoadResult
		rewrites []rewrite
	)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			_ = rows.Close()
			return LoadResult{}, err
		}
		var rec tracker.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			res.Skipped = append(res.Skipped, Skipped{Name: name, Err: fmt.Errorf("%w: %v", tracker.ErrMalformed, err)})
			continue
		}
		rec.Name = name

		t, migrated, err := decodeRecord(rec)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Name: name, Err: err})
			continue
		}
		if migrated {
			// Only the trigger changes; the rest of the row is kept as stored.
			if id, ok := canonicalTrigger(rec.Trigger); ok {
				rec.Trigger = id
			}
			b, err := json.Marshal(rec)
			if err == nil {
				rewrites = append(rewrites, rewrite{name: name, record: string(b)})
			}
			res.Migrated++
		}
		res.Trackers = append(res.Trackers, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return LoadResult{}, err
	}
	_ = rows.Close()

	for _, sk := range res.Skipped {
		s.log.Warn("skipping malformed tracker", logx.Tracker(sk.Name), logx.Err(sk.Err))
	}

	now := time.Now().UnixMilli()
	for _, rw := range rewrites {
		if _, err := s.db.ExecContext(ctx, `UPDATE trackers SET record = ?, updated_at = ? WHERE name = ?`, rw.record, now, rw.name); err != nil {
			return res, fmt.Errorf("rewrite migrated tracker %q: %w", rw.name, err)
		}
	}
	if res.Migrated > 0 {
		s.log.Info("migrated legacy trigger ids", logx.Int("count", res.Migrated))
	}
	return res, nil
}

func (s *sqliteStore) Save(ctx context.Context, records []tracker.Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM trackers`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO trackers(name, record, updated_at) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, r := range sortRecords(records) {
		b, mErr := json.Marshal(r)
		if mErr != nil {
			err = fmt.Errorf("encode tracker %q: %w", r.Name, mErr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, r.Name, string(b), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
