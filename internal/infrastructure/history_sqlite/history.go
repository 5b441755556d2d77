package history_sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/davarch/stage-watcher/internal/domain"
	_ "modernc.org/sqlite"
)

// fixed width so that text order is time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one pipeline observed for a repository.
type Run struct {
	Repository string
	ProjectID  int64
	PipelineID int64
	Ref        string
	Status     domain.Status
	WebURL     string
	FirstSeen  time.Time
	UpdatedAt  time.Time
}

// History records every pipeline the watcher tracked and its last status.
type History struct {
	db *sql.DB
}

func Open(dbPath string) (*History, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}
	if err := h.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS pipeline_runs (
			repository TEXT NOT NULL,
			project_id INTEGER NOT NULL,
			pipeline_id INTEGER NOT NULL,
			ref TEXT NOT NULL,
			status TEXT NOT NULL,
			web_url TEXT NOT NULL DEFAULT '',
			first_seen TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (repository, pipeline_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_repo_seen
		ON pipeline_runs(repository, first_seen DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Handle upserts the pipeline of pipeline events.
func (h *History) Handle(ctx context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventPipelineReset, domain.EventPipelineUpdated:
	default:
		return nil
	}
	if ev.Pipeline == nil {
		return nil
	}
	return h.Record(ctx, ev.Snapshot.Repository, *ev.Pipeline)
}

func (h *History) Record(ctx context.Context, repository string, p domain.Pipeline) error {
	now := time.Now().UTC().Format(timeLayout)

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs
		(repository, project_id, pipeline_id, ref, status, web_url, first_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository, pipeline_id) DO UPDATE SET
			status = excluded.status,
			web_url = CASE WHEN excluded.web_url = '' THEN web_url ELSE excluded.web_url END,
			updated_at = excluded.updated_at
	`, repository, p.ProjectID, p.ID, p.Ref, string(p.Status), p.WebURL, now, now)
	if err != nil {
		return fmt.Errorf("failed to record pipeline %d: %w", p.ID, err)
	}
	return nil
}

// Recent returns the latest runs, newest first. An empty repository means
// all repositories.
func (h *History) Recent(ctx context.Context, repository string, limit int) ([]Run, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT repository, project_id, pipeline_id, ref, status, web_url, first_seen, updated_at
		FROM pipeline_runs
		WHERE ? = '' OR repository = ?
		ORDER BY first_seen DESC, pipeline_id DESC
		LIMIT ?
	`, repository, repository, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                  Run
			status             string
			firstSeen, updated string
		)
		if err := rows.Scan(&r.Repository, &r.ProjectID, &r.PipelineID, &r.Ref, &status, &r.WebURL, &firstSeen, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = domain.ParseStatus(status)
		if r.FirstSeen, err = time.Parse(timeLayout, firstSeen); err != nil {
			return nil, fmt.Errorf("failed to parse first_seen: %w", err)
		}
		if r.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
