package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Provider kinds.
const (
	ProviderTwilio = "twilio"
	ProviderHTTP   = "http"
)

// Provider is a third-party SMS gateway configuration.
// Read-only from the queue's perspective during a send cycle.
type Provider struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"` // "twilio" or "http"
	AccountSID string    `json:"account_sid,omitempty"`
	AuthToken  string    `json:"-"`
	Endpoint   string    `json:"endpoint,omitempty"`
	PerSecond  int       `json:"per_second"`
	PerMinute  int       `json:"per_minute"`
	PerHour    int       `json:"per_hour"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const providerCols = `id, name, kind, account_sid, auth_token, endpoint, per_second, per_minute, per_hour, active, created_at, updated_at`

func scanProvider(row interface{ Scan(...any) error }) (Provider, error) {
	var (
		p                    Provider
		sid, token, endpoint sql.NullString
		active               int
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Kind, &sid, &token, &endpoint,
		&p.PerSecond, &p.PerMinute, &p.PerHour, &active, &createdAt, &updatedAt)
	if err != nil {
		return Provider{}, err
	}
	p.AccountSID = sid.String
	p.AuthToken = token.String
	p.Endpoint = endpoint.String
	p.Active = active != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func (s *Store) CreateProvider(ctx context.Context, p Provider) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (`+providerCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Kind, nullStr(p.AccountSID), nullStr(p.AuthToken), nullStr(p.Endpoint),
		p.PerSecond, p.PerMinute, p.PerHour, boolInt(p.Active), now, now)
	return err
}

func (s *Store) UpdateProvider(ctx context.Context, p Provider) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET name = ?, kind = ?, account_sid = ?, auth_token = ?, endpoint = ?,
		 per_second = ?, per_minute = ?, per_hour = ?, active = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Kind, nullStr(p.AccountSID), nullStr(p.AuthToken), nullStr(p.Endpoint),
		p.PerSecond, p.PerMinute, p.PerHour, boolInt(p.Active), fmtTime(time.Now()), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerCols+` FROM providers WHERE id = ?`, id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, ErrNotFound
	}
	return p, err
}

func (s *Store) ListProviders(ctx context.Context, activeOnly bool) ([]Provider, error) {
	q := `SELECT ` + providerCols + ` FROM providers`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SenderID is an approved "from" identity for outbound SMS.
type SenderID struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Value     string    `json:"value"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) CreateSenderID(ctx context.Context, sid SenderID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sender_ids (id, user_id, value, approved, created_at) VALUES (?,?,?,?,?)`,
		sid.ID, sid.UserID, sid.Value, boolInt(sid.Approved), fmtTime(time.Now()))
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) ApproveSenderID(ctx context.Context, id string, approved bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sender_ids SET approved = ? WHERE id = ?`, boolInt(approved), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSenderID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sender_ids WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListSenderIDs(ctx context.Context, userID string) ([]SenderID, error) {
	q := `SELECT id, user_id, value, approved, created_at FROM sender_ids`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY value`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SenderID
	for rows.Next() {
		var sid SenderID
		var approved int
		var createdAt string
		if err := rows.Scan(&sid.ID, &sid.UserID, &sid.Value, &approved, &createdAt); err != nil {
			return nil, err
		}
		sid.Approved = approved != 0
		sid.CreatedAt = parseTime(createdAt)
		out = append(out, sid)
	}
	return out, rows.Err()
}

// SenderIDApproved reports whether the user has an approved sender identity
// with the given value.
func (s *Store) SenderIDApproved(ctx context.Context, userID, value string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sender_ids WHERE user_id = ? AND value = ? AND approved = 1`,
		userID, value).Scan(&n)
	return n > 0, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
