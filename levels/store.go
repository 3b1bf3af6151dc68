package levels

import (
	"context"
	"database/sql"
	"fmt"
)

// ApplyFunc computes the next record from the current one. Returning an
// error aborts the transaction without persisting anything.
type ApplyFunc func(cur LevelRecord) (LevelRecord, error)

// Store is the ledger's persistence collaborator. ApplyAward must execute
// the read-compute-persist cycle as a single transaction.
type Store interface {
	ApplyAward(ctx context.Context, identity string, fn ApplyFunc) (LevelRecord, error)
}

// PGStore persists level records in the user_levels table.
type PGStore struct {
	DB *sql.DB
}

// ApplyAward locks the identity's row (creating it at level 1 when absent),
// applies fn, and persists the result in the same transaction. When the level
// rose the full record is written; otherwise only the exp fields.
func (s *PGStore) ApplyAward(ctx context.Context, identity string, fn ApplyFunc) (LevelRecord, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return LevelRecord{}, fmt.Errorf("begin award tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_levels (username) VALUES ($1) ON CONFLICT (username) DO NOTHING`, identity); err != nil {
		return LevelRecord{}, fmt.Errorf("ensure level row: %w", err)
	}

	cur := LevelRecord{Identity: identity}
	row := tx.QueryRowContext(ctx,
		`SELECT level, exp, exp_to_next_level, total_exp FROM user_levels WHERE username=$1 FOR UPDATE`, identity)
	if err := row.Scan(&cur.Level, &cur.Exp, &cur.ExpToNextLevel, &cur.TotalExp); err != nil {
		return LevelRecord{}, fmt.Errorf("read level row: %w", err)
	}

	next, err := fn(cur)
	if err != nil {
		return LevelRecord{}, err
	}

	if next.Level > cur.Level {
		_, err = tx.ExecContext(ctx,
			`UPDATE user_levels SET level=$1, exp=$2, exp_to_next_level=$3, total_exp=$4, updated_at=NOW() WHERE username=$5`,
			next.Level, next.Exp, next.ExpToNextLevel, next.TotalExp, identity)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE user_levels SET exp=$1, exp_to_next_level=$2, total_exp=$3, updated_at=NOW() WHERE username=$4`,
			next.Exp, next.ExpToNextLevel, next.TotalExp, identity)
	}
	if err != nil {
		return LevelRecord{}, fmt.Errorf("write level row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return LevelRecord{}, fmt.Errorf("commit award tx: %w", err)
	}
	return next, nil
}

// Get returns the identity's record, or sql.ErrNoRows when absent.
func (s *PGStore) Get(ctx context.Context, identity string) (LevelRecord, error) {
	rec := LevelRecord{Identity: identity}
	row := s.DB.QueryRowContext(ctx,
		`SELECT level, exp, exp_to_next_level, total_exp FROM user_levels WHERE username=$1`, identity)
	if err := row.Scan(&rec.Level, &rec.Exp, &rec.ExpToNextLevel, &rec.TotalExp); err != nil {
		return LevelRecord{}, err
	}
	return rec, nil
}

// TopLevels returns up to limit records ordered by total experience.
func (s *PGStore) TopLevels(ctx context.Context, limit int) ([]LevelRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT username, level, exp, exp_to_next_level, total_exp FROM user_levels ORDER BY total_exp DESC, username ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top levels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LevelRecord
	for rows.Next() {
		var rec LevelRecord
		if err := rows.Scan(&rec.Identity, &rec.Level, &rec.Exp, &rec.ExpToNextLevel, &rec.TotalExp); err != nil {
			return nil, fmt.Errorf("scan top levels: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
