package session

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteRepository stores slots as one JSON document per sender and the turn
// log as an autoincrement table, so insertion order is the id order.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = &SQLiteRepository{}

func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite session store: empty path")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session store: open")
	}
	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRepository) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS slots (
			wa_id TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			wa_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_wa_id ON messages(wa_id, id DESC);`,
	}
	for _, st := range stmts {
		if _, err := r.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite session store: migrate")
		}
	}
	return nil
}

func (r *SQLiteRepository) LoadSlots(ctx context.Context, key string) ([]byte, time.Time, error) {
	var data string
	var updatedAt int64
	err := r.db.QueryRowContext(ctx, `SELECT json, updated_at FROM slots WHERE wa_id = ?`, key).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, errors.Wrap(err, "sqlite session store: load slots")
	}
	return []byte(data), time.UnixMilli(updatedAt).UTC(), nil
}

func (r *SQLiteRepository) SaveSlots(ctx context.Context, key string, data []byte, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO slots(wa_id, json, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(wa_id) DO UPDATE SET json = excluded.json, updated_at = excluded.updated_at`,
		key, string(data), updatedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite session store: save slots")
	}
	return nil
}

func (r *SQLiteRepository) AppendTurn(ctx context.Context, key string, turn Turn) (Turn, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO messages(wa_id, role, text, ts) VALUES(?, ?, ?, ?)`,
		key, string(turn.Role), turn.Text, turn.CreatedAt.UnixMilli())
	if err != nil {
		return Turn{}, errors.Wrap(err, "sqlite session store: append turn")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Turn{}, errors.Wrap(err, "sqlite session store: turn id")
	}
	turn.Seq = id
	return turn, nil
}

func (r *SQLiteRepository) RecentTurns(ctx context.Context, key string, limit int) ([]Turn, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, role, text, ts FROM messages WHERE wa_id = ? ORDER BY id DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session store: recent turns")
	}
	defer func() { _ = rows.Close() }()

	var out []Turn
	for rows.Next() {
		var t Turn
		var role string
		var ts int64
		if err := rows.Scan(&t.Seq, &role, &t.Text, &ts); err != nil {
			return nil, errors.Wrap(err, "sqlite session store: scan turn")
		}
		t.Role = Role(role)
		t.CreatedAt = time.UnixMilli(ts).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite session store: iterate turns")
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
