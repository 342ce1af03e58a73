package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// BlacklistNumber is a blocked recipient number, global (UserID empty) or
// scoped to one user.
type BlacklistNumber struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	PhoneNumber string    `json:"phone_number"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlacklistKeyword blocks message bodies containing the keyword.
type BlacklistKeyword struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Keyword   string    `json:"keyword"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) AddBlacklistNumber(ctx context.Context, b BlacklistNumber) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklist_numbers (id, user_id, phone_number, reason, created_at) VALUES (?,?,?,?,?)`,
		b.ID, nullStr(b.UserID), b.PhoneNumber, nullStr(b.Reason), fmtTime(time.Now()))
	return err
}

func (s *Store) GetBlacklistNumber(ctx context.Context, id string) (BlacklistNumber, error) {
	var b BlacklistNumber
	var uid, reason sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, phone_number, reason, created_at FROM blacklist_numbers WHERE id = ?`, id).
		Scan(&b.ID, &uid, &b.PhoneNumber, &reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.UserID = uid.String
	b.Reason = reason.String
	b.CreatedAt = parseTime(createdAt)
	return b, nil
}

func (s *Store) RemoveBlacklistNumber(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blacklist_numbers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListBlacklistNumbers(ctx context.Context, userID string) ([]BlacklistNumber, error) {
	// A user sees global entries plus their own.
	q := `SELECT id, user_id, phone_number, reason, created_at FROM blacklist_numbers`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id IS NULL OR user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY phone_number`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlacklistNumber
	for rows.Next() {
		var b BlacklistNumber
		var uid, reason sql.NullString
		var createdAt string
		if err := rows.Scan(&b.ID, &uid, &b.PhoneNumber, &reason, &createdAt); err != nil {
			return nil, err
		}
		b.UserID = uid.String
		b.Reason = reason.String
		b.CreatedAt = parseTime(createdAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// NumberBlacklisted reports whether phone is blocked globally or for user.
func (s *Store) NumberBlacklisted(ctx context.Context, userID, phone string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blacklist_numbers WHERE phone_number = ? AND (user_id IS NULL OR user_id = ?)`,
		phone, userID).Scan(&n)
	return n > 0, err
}

func (s *Store) AddBlacklistKeyword(ctx context.Context, k BlacklistKeyword) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklist_keywords (id, user_id, keyword, created_at) VALUES (?,?,?,?)`,
		k.ID, nullStr(k.UserID), strings.ToLower(strings.TrimSpace(k.Keyword)), fmtTime(time.Now()))
	return err
}

func (s *Store) GetBlacklistKeyword(ctx context.Context, id string) (BlacklistKeyword, error) {
	var k BlacklistKeyword
	var uid sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, keyword, created_at FROM blacklist_keywords WHERE id = ?`, id).
		Scan(&k.ID, &uid, &k.Keyword, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	k.UserID = uid.String
	k.CreatedAt = parseTime(createdAt)
	return k, nil
}

func (s *Store) RemoveBlacklistKeyword(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blacklist_keywords WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListBlacklistKeywords(ctx context.Context, userID string) ([]BlacklistKeyword, error) {
	q := `SELECT id, user_id, keyword, created_at FROM blacklist_keywords`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id IS NULL OR user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY keyword`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlacklistKeyword
	for rows.Next() {
		var k BlacklistKeyword
		var uid sql.NullString
		var createdAt string
		if err := rows.Scan(&k.ID, &uid, &k.Keyword, &createdAt); err != nil {
			return nil, err
		}
		k.UserID = uid.String
		k.CreatedAt = parseTime(createdAt)
		out = append(out, k)
	}
	return out, rows.Err()
}

// BodyMatchesKeyword returns the first blocked keyword found in body
// (case-insensitive substring match), or "" when the body is clean.
func (s *Store) BodyMatchesKeyword(ctx context.Context, userID, body string) (string, error) {
	kws, err := s.ListBlacklistKeywords(ctx, userID)
	if err != nil {
		return "", err
	}
	lower := strings.ToLower(body)
	for _, k := range kws {
		if k.Keyword != "" && strings.Contains(lower, k.Keyword) {
			return k.Keyword, nil
		}
	}
	return "", nil
}
