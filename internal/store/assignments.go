package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Assignment is a user's allocation on a provider, with daily/monthly caps.
// Limits of 0 mean unlimited.
type Assignment struct {
	UserID         string     `json:"user_id"`
	ProviderID     string     `json:"provider_id"`
	DailyLimit     int        `json:"daily_limit"`
	MonthlyLimit   int        `json:"monthly_limit"`
	DailyUsed      int        `json:"daily_used"`
	MonthlyUsed    int        `json:"monthly_used"`
	DailyResetAt   *time.Time `json:"daily_reset_at,omitempty"`
	MonthlyResetAt *time.Time `json:"monthly_reset_at,omitempty"`
}

// ErrQuotaExceeded is returned when a user's daily or monthly cap is hit.
var ErrQuotaExceeded = errors.New("provider usage quota exceeded")

func (s *Store) UpsertAssignment(ctx context.Context, a Assignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_provider_assignments
		   (user_id, provider_id, daily_limit, monthly_limit, daily_used, monthly_used)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT(user_id, provider_id) DO UPDATE SET
		   daily_limit = excluded.daily_limit, monthly_limit = excluded.monthly_limit`,
		a.UserID, a.ProviderID, a.DailyLimit, a.MonthlyLimit, a.DailyUsed, a.MonthlyUsed)
	return err
}

func (s *Store) GetAssignment(ctx context.Context, userID, providerID string) (Assignment, error) {
	var a Assignment
	var dReset, mReset sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider_id, daily_limit, monthly_limit, daily_used, monthly_used,
		        daily_reset_at, monthly_reset_at
		 FROM user_provider_assignments WHERE user_id = ? AND provider_id = ?`,
		userID, providerID).
		Scan(&a.UserID, &a.ProviderID, &a.DailyLimit, &a.MonthlyLimit, &a.DailyUsed, &a.MonthlyUsed, &dReset, &mReset)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, err
	}
	a.DailyResetAt = scanTimePtr(dReset)
	a.MonthlyResetAt = scanTimePtr(mReset)
	return a, nil
}

// ConsumeQuota atomically reserves one send against the user's caps.
// The guard and the increment happen in a single UPDATE, so two concurrent
// sends cannot both pass a nearly-exhausted cap.
//
// Users without an assignment row are allowed (no caps configured).
func (s *Store) ConsumeQuota(ctx context.Context, userID, providerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_provider_assignments
		 SET daily_used = daily_used + 1, monthly_used = monthly_used + 1
		 WHERE user_id = ? AND provider_id = ?
		   AND (daily_limit <= 0 OR daily_used < daily_limit)
		   AND (monthly_limit <= 0 OR monthly_used < monthly_limit)`,
		userID, providerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Distinguish "no assignment" (allowed) from "cap hit".
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_provider_assignments WHERE user_id = ? AND provider_id = ?`,
		userID, providerID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return nil
	}
	return ErrQuotaExceeded
}

// ReleaseQuota undoes a reservation after a send that never reached the
// provider (e.g. blocked at dispatch time).
func (s *Store) ReleaseQuota(ctx context.Context, userID, providerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_provider_assignments
		 SET daily_used = MAX(daily_used - 1, 0), monthly_used = MAX(monthly_used - 1, 0)
		 WHERE user_id = ? AND provider_id = ?`,
		userID, providerID)
	return err
}

// ResetDailyUsage zeroes every assignment's daily counter. Run by the
// maintenance scheduler at local midnight.
func (s *Store) ResetDailyUsage(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_provider_assignments SET daily_used = 0, daily_reset_at = ?`, fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetMonthlyUsage zeroes every assignment's monthly counter. Run on the
// first of each month.
func (s *Store) ResetMonthlyUsage(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_provider_assignments SET monthly_used = 0, monthly_reset_at = ?`, fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	q := `SELECT user_id, provider_id, daily_limit, monthly_limit, daily_used, monthly_used,
	             daily_reset_at, monthly_reset_at
	      FROM user_provider_assignments`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		var dReset, mReset sql.NullString
		if err := rows.Scan(&a.UserID, &a.ProviderID, &a.DailyLimit, &a.MonthlyLimit,
			&a.DailyUsed, &a.MonthlyUsed, &dReset, &mReset); err != nil {
			return nil, err
		}
		a.DailyResetAt = scanTimePtr(dReset)
		a.MonthlyResetAt = scanTimePtr(mReset)
		out = append(out, a)
	}
	return out, rows.Err()
}
