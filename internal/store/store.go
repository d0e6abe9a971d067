// Package store keeps route documents, workout plans and workout summaries
// in a local sqlite database as JSON documents.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nford88/hybrid-workout-ftms/internal/route"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ workout.RouteResolver = (*Store)(nil)

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RouteInfo is a route listing entry.
type RouteInfo struct {
	Name          string    `json:"name"`
	TotalDistance float64   `json:"totalDistance"`
	AverageGrade  float64   `json:"averageGrade"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SaveRoute stores r under its name, replacing any route of that name.
func (s *Store) SaveRoute(ctx context.Context, r *route.Route) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO routes(name, total_distance, average_grade, doc_json, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	total_distance=excluded.total_distance,
	average_grade=excluded.average_grade,
	doc_json=excluded.doc_json,
	updated_at=excluded.updated_at
`, r.Name, r.TotalDistance, r.AverageGrade, string(doc), ts(s.now()))
	if err != nil {
		return fmt.Errorf("upsert route: %w", err)
	}
	return nil
}

// GetRoute loads a route and re-derives its totals from the stored points.
func (s *Store) GetRoute(ctx context.Context, name string) (*route.Route, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc_json FROM routes WHERE name = ?`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("route %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get route: %w", err)
	}
	return route.ParseJSON([]byte(doc))
}

func (s *Store) ResolveRoute(ctx context.Context, name string) (*route.Route, error) {
	return s.GetRoute(ctx, name)
}

func (s *Store) ListRoutes(ctx context.Context) ([]RouteInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, total_distance, average_grade, updated_at FROM routes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var out []RouteInfo
	for rows.Next() {
		var info RouteInfo
		var updated string
		if err := rows.Scan(&info.Name, &info.TotalDistance, &info.AverageGrade, &updated); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		if info.UpdatedAt, err = parseTS(updated); err != nil {
			return nil, fmt.Errorf("parse route updated_at: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRoute(ctx context.Context, name string) error {
	return s.deleteOne(ctx, `DELETE FROM routes WHERE name = ?`, name)
}

// SavePlan stores p under its ID.
func (s *Store) SavePlan(ctx context.Context, p *workout.Plan) error {
	if p.ID == "" {
		return errors.New("plan has no id")
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO plans(plan_id, name, step_count, doc_json, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(plan_id) DO UPDATE SET
	name=excluded.name,
	step_count=excluded.step_count,
	doc_json=excluded.doc_json,
	updated_at=excluded.updated_at
`, p.ID, p.Name, len(p.Steps), string(doc), ts(s.now()))
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (*workout.Plan, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc_json FROM plans WHERE plan_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return workout.ParsePlanJSON([]byte(doc))
}

// PlanInfo is a plan listing entry.
type PlanInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StepCount int       `json:"stepCount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListPlans returns plans, most recently saved first.
func (s *Store) ListPlans(ctx context.Context) ([]PlanInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plan_id, name, step_count, updated_at FROM plans ORDER BY updated_at DESC, plan_id`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []PlanInfo
	for rows.Next() {
		var info PlanInfo
		var updated string
		if err := rows.Scan(&info.ID, &info.Name, &info.StepCount, &updated); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		if info.UpdatedAt, err = parseTS(updated); err != nil {
			return nil, fmt.Errorf("parse plan updated_at: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) DeletePlan(ctx context.Context, id string) error {
	return s.deleteOne(ctx, `DELETE FROM plans WHERE plan_id = ?`, id)
}

// SaveSummary records a finished workout. Summaries are immutable.
func (s *Store) SaveSummary(ctx context.Context, sum workout.Summary) error {
	doc, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO summaries(summary_id, plan_id, started_at, total_time, total_distance, doc_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, sum.ID, sum.PlanID, ts(sum.StartTime), sum.TotalTime, sum.TotalDistance, string(doc), ts(s.now()))
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

func (s *Store) GetSummary(ctx context.Context, id string) (workout.Summary, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc_json FROM summaries WHERE summary_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return workout.Summary{}, fmt.Errorf("summary %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return workout.Summary{}, fmt.Errorf("get summary: %w", err)
	}
	var sum workout.Summary
	if err := json.Unmarshal([]byte(doc), &sum); err != nil {
		return workout.Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return sum, nil
}

// ListSummaries returns up to limit summaries, newest first. A limit of
// zero or less returns all of them.
func (s *Store) ListSummaries(ctx context.Context, limit int) ([]workout.Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT doc_json FROM summaries ORDER BY started_at DESC, summary_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []workout.Summary
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		var sum workout.Summary
		if err := json.Unmarshal([]byte(doc), &sum); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) deleteOne(ctx context.Context, query string, key string) error {
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
