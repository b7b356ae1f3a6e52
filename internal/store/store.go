// Package store keeps a history of f-PIRLS runs in a SQLite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/n0madic/go-fpirls/fpirls"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS fpirls_runs (
	run_id        TEXT PRIMARY KEY,
	model         TEXT NOT NULL,
	source        TEXT,
	num_obs       INTEGER NOT NULL,
	grid_size     INTEGER NOT NULL,
	best_s        INTEGER,
	best_t        INTEGER,
	best_lambda_s REAL,
	best_lambda_t REAL,
	best_gcv      REAL,
	best_j        REAL,
	created_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fpirls_points (
	run_id     TEXT NOT NULL REFERENCES fpirls_runs(run_id) ON DELETE CASCADE,
	s          INTEGER NOT NULL,
	t          INTEGER NOT NULL,
	lambda_s   REAL NOT NULL,
	lambda_t   REAL NOT NULL,
	iterations INTEGER NOT NULL,
	converged  INTEGER NOT NULL,
	j          REAL,
	gcv        REAL,
	dof        REAL,
	PRIMARY KEY (run_id, s, t)
);
CREATE INDEX IF NOT EXISTS idx_fpirls_runs_created ON fpirls_runs(created_at);
`

// Run is the summary row of one Apply call.
type Run struct {
	RunID    string `json:"run_id"`
	Model    string `json:"model"`
	Source   string `json:"source,omitempty"`
	NumObs   int    `json:"num_obs"`
	GridSize int    `json:"grid_size"`

	// Best grid point, see fpirls.Result.Best
	BestS       int     `json:"best_s"`
	BestT       int     `json:"best_t"`
	BestLambdaS float64 `json:"best_lambda_s"`
	BestLambdaT float64 `json:"best_lambda_t"`
	BestGCV     float64 `json:"best_gcv"`
	BestJ       float64 `json:"best_j"`

	CreatedAt int64 `json:"created_at"`
}

// Point is the stored outcome of one grid point. Non-finite values are kept
// as NULL and read back as NaN.
type Point struct {
	S          int     `json:"s"`
	T          int     `json:"t"`
	LambdaS    float64 `json:"lambda_s"`
	LambdaT    float64 `json:"lambda_t"`
	Iterations int     `json:"iterations"`
	Converged  bool    `json:"converged"`
	J          float64 `json:"j"`
	GCV        float64 `json:"gcv"`
	DOF        float64 `json:"dof"`
}

// Store provides persistence for run summaries and their grid points.
type Store struct {
	db *sql.DB
}

// Open opens (and creates when missing) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// One connection keeps ":memory:" databases alive across calls
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores res under a new run. If RunID is empty, a UUID is generated.
// The run and all of its points are written in one transaction.
func (s *Store) Insert(run *Run, res *fpirls.Result) error {
	if res == nil {
		return errors.New("insert run: nil result")
	}
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().UnixNano()
	}
	run.Model = res.Model
	run.GridSize = len(res.Points)
	if best := res.Best(); best != nil {
		run.BestS, run.BestT = best.Point.S, best.Point.T
		run.BestLambdaS, run.BestLambdaT = best.LambdaS, best.LambdaT
		run.BestGCV = best.GCV
		run.BestJ = best.JMin()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO fpirls_runs (
			run_id, model, source, num_obs, grid_size,
			best_s, best_t, best_lambda_s, best_lambda_t, best_gcv, best_j,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Model, nullString(run.Source), run.NumObs, run.GridSize,
		run.BestS, run.BestT, run.BestLambdaS, run.BestLambdaT, finite(run.BestGCV), finite(run.BestJ),
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO fpirls_points (
			run_id, s, t, lambda_s, lambda_t, iterations, converged, j, gcv, dof
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare point insert: %w", err)
	}
	defer stmt.Close()

	for i := range res.Points {
		p := &res.Points[i]
		var dof float64
		if p.Solution != nil {
			dof = p.DOF()
		}
		_, err := stmt.Exec(
			run.RunID, p.Point.S, p.Point.T, p.LambdaS, p.LambdaT, p.Iterations, p.Converged,
			finite(p.JMin()), finite(p.GCV), finite(dof),
		)
		if err != nil {
			return fmt.Errorf("insert point %v: %w", p.Point, err)
		}
	}

	return tx.Commit()
}

// List returns up to limit runs, newest first. A non-positive limit returns
// every run.
func (s *Store) List(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT run_id, model, source, num_obs, grid_size,
		       best_s, best_t, best_lambda_s, best_lambda_t, best_gcv, best_j,
		       created_at
		FROM fpirls_runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Get returns a single run by ID.
func (s *Store) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, model, source, num_obs, grid_size,
		       best_s, best_t, best_lambda_s, best_lambda_t, best_gcv, best_j,
		       created_at
		FROM fpirls_runs
		WHERE run_id = ?`, runID)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return r, err
}

// Points returns the grid points of a run in grid order.
func (s *Store) Points(runID string) ([]*Point, error) {
	rows, err := s.db.Query(`
		SELECT s, t, lambda_s, lambda_t, iterations, converged, j, gcv, dof
		FROM fpirls_points
		WHERE run_id = ?
		ORDER BY s, t`, runID)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	var points []*Point
	for rows.Next() {
		var (
			p          Point
			j, gcv, df sql.NullFloat64
		)
		if err := rows.Scan(&p.S, &p.T, &p.LambdaS, &p.LambdaT, &p.Iterations, &p.Converged, &j, &gcv, &df); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		p.J, p.GCV, p.DOF = orNaN(j), orNaN(gcv), orNaN(df)
		points = append(points, &p)
	}
	return points, rows.Err()
}

// Delete removes a run and its points.
func (s *Store) Delete(runID string) error {
	result, err := s.db.Exec(`DELETE FROM fpirls_runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r           Run
		source      sql.NullString
		bestGCV, bj sql.NullFloat64
	)
	err := sc.Scan(
		&r.RunID, &r.Model, &source, &r.NumObs, &r.GridSize,
		&r.BestS, &r.BestT, &r.BestLambdaS, &r.BestLambdaT, &bestGCV, &bj,
		&r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Source = source.String
	r.BestGCV, r.BestJ = orNaN(bestGCV), orNaN(bj)
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func finite(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
