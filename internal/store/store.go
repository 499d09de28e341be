package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrDuplicate is returned when a subscription id is already stored.
var ErrDuplicate = errors.New("subscription already stored")

const uniqueViolation = "23505"

// Record is one persisted subscription. Filters holds the canonical wire
// form of the group.
type Record struct {
	ID        uint64
	GroupHash uint64
	Filters   json.RawMessage
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and checks the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return New(db), nil
}

func (s *Store) Close() error { return s.db.Close() }

// RunMigrations executes all SQL files under dir in lexicographic order.
// Statements within a file are separated by ';'.
func (s *Store) RunMigrations(ctx context.Context, dir string) error {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".sql") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", p, err)
		}
		for _, chunk := range strings.Split(string(b), ";") {
			stmt := strings.TrimSpace(chunk)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", p, err)
			}
		}
	}
	return nil
}

// InitSchema runs the migrations from the first usable directory, trying
// preferred (if set) before ./migrations and /srv/migrations.
func (s *Store) InitSchema(ctx context.Context, preferred string) error {
	var candidates []string
	if preferred != "" {
		candidates = append(candidates, preferred)
	}
	candidates = append(candidates, "./migrations", "/srv/migrations")
	var lastErr error
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			lastErr = err
			continue
		}
		if err := s.RunMigrations(ctx, p); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("no usable migrations path; last error: %v", lastErr)
}

func (s *Store) InsertSubscription(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO subscriptions(id, group_hash, filters, created_at) VALUES ($1,$2,$3,$4)`,
		int64(r.ID), int64(r.GroupHash), string(r.Filters), r.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("subscription %d: %w", r.ID, ErrDuplicate)
	}
	return err
}

// DeleteSubscription reports whether a row was removed.
func (s *Store) DeleteSubscription(ctx context.Context, id uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, int64(id))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, group_hash, filters, created_at FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			id, hash int64
			filters  string
			rec      Record
		)
		if err := rows.Scan(&id, &hash, &filters, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ID = uint64(id)
		rec.GroupHash = uint64(hash)
		rec.Filters = json.RawMessage(filters)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MaxSubscriptionID is 0 for an empty table.
func (s *Store) MaxSubscriptionID(ctx context.Context) (uint64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM subscriptions`).Scan(&id); err != nil {
		return 0, err
	}
	return uint64(id), nil
}
