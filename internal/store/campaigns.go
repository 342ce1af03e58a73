package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smsqd/internal/campaign"
)

const campaignCols = `id, user_id, name, status, contact_list_id, provider_id, sender_id, body,
contact_count, sent_count, delivered_count, failed_count, blocked_count, progress, actual_cost,
created_at, updated_at, started_at, completed_at`

func scanCampaign(row interface{ Scan(...any) error }) (campaign.Campaign, error) {
	var (
		c                      campaign.Campaign
		status                 string
		createdAt, updatedAt   string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &status, &c.ContactListID, &c.ProviderID, &c.SenderID, &c.Body,
		&c.Counters.Contacts, &c.Counters.Sent, &c.Counters.Delivered, &c.Counters.Failed, &c.Counters.Blocked,
		new(int), &c.ActualCost, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return campaign.Campaign{}, err
	}
	c.Status = campaign.Status(status)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.StartedAt = scanTimePtr(startedAt)
	c.CompletedAt = scanTimePtr(completedAt)
	return c, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c campaign.Campaign) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (`+campaignCols+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.Name, string(c.Status), c.ContactListID, c.ProviderID, c.SenderID, c.Body,
		c.Counters.Contacts, c.Counters.Sent, c.Counters.Delivered, c.Counters.Failed, c.Counters.Blocked,
		c.Counters.Progress(), c.ActualCost, now, now, nullTime(c.StartedAt), nullTime(c.CompletedAt))
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, ErrNotFound
	}
	return c, err
}

// ListCampaigns returns campaigns for a user, or all campaigns when userID
// is empty (admin view). Archived campaigns are included.
func (s *Store) ListCampaigns(ctx context.Context, userID string) ([]campaign.Campaign, error) {
	q := `SELECT ` + campaignCols + ` FROM campaigns`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionCampaign performs a compare-and-set status transition.
// It returns ErrConflict if the campaign's status changed under us,
// so a rejected transition never has side effects.
func (s *Store) TransitionCampaign(ctx context.Context, id string, from, to campaign.Status, at time.Time) error {
	set := `status = ?, updated_at = ?`
	args := []any{string(to), fmtTime(at)}
	switch to {
	case campaign.StatusSending:
		set += `, started_at = COALESCE(started_at, ?), completed_at = NULL`
		args = append(args, fmtTime(at))
	case campaign.StatusCompleted, campaign.StatusFailed, campaign.StatusStopped:
		set += `, completed_at = ?`
		args = append(args, fmtTime(at))
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("transition %s -> %s: %w", from, to, ErrConflict)
	}
	return nil
}

// SetCampaignCounters writes the recomputed aggregate counters and derived
// progress. ActualCost is the summed message cost.
func (s *Store) SetCampaignCounters(ctx context.Context, id string, c campaign.Counters, cost float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET contact_count = ?, sent_count = ?, delivered_count = ?,
		 failed_count = ?, blocked_count = ?, progress = ?, actual_cost = ?, updated_at = ?
		 WHERE id = ?`,
		c.Contacts, c.Sent, c.Delivered, c.Failed, c.Blocked, c.Progress(), cost, fmtTime(time.Now()), id)
	return err
}

// IncrementCampaignBlocked bumps the blocked counter for contacts rejected
// by a blacklist before any message record is created.
func (s *Store) IncrementCampaignBlocked(ctx context.Context, id string, by int) error {
	if by <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET blocked_count = blocked_count + ?, updated_at = ? WHERE id = ?`,
		by, fmtTime(time.Now()), id)
	return err
}

// SetCampaignBlockedCount writes the blocked counter absolutely. Fan-out
// uses this so restarting a campaign never double-counts blocked contacts.
func (s *Store) SetCampaignBlockedCount(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET blocked_count = ?, updated_at = ? WHERE id = ?`,
		n, fmtTime(time.Now()), id)
	return err
}

// SetCampaignContactCount pins the contact count at fan-out time.
func (s *Store) SetCampaignContactCount(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET contact_count = ?, updated_at = ? WHERE id = ?`,
		n, fmtTime(time.Now()), id)
	return err
}

// SendingCampaignIDs returns IDs of campaigns currently in sending status.
func (s *Store) SendingCampaignIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM campaigns WHERE status = 'sending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CampaignMessageCounters aggregates message statuses for a campaign.
// The blocked counter lives on the campaign row (blocked contacts never get
// a message record), so it is merged in here.
func (s *Store) CampaignMessageCounters(ctx context.Context, id string) (campaign.Counters, float64, error) {
	var c campaign.Counters
	var cost float64

	row := s.db.QueryRowContext(ctx,
		`SELECT contact_count, blocked_count FROM campaigns WHERE id = ?`, id)
	if err := row.Scan(&c.Contacts, &c.Blocked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, 0, ErrNotFound
		}
		return c, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(cost), 0) FROM messages WHERE campaign_id = ? GROUP BY status`, id)
	if err != nil {
		return c, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		var sum float64
		if err := rows.Scan(&status, &n, &sum); err != nil {
			return c, 0, err
		}
		cost += sum
		switch campaign.MessageStatus(status) {
		case campaign.MessageSent:
			c.Sent += n
		case campaign.MessageDelivered:
			c.Delivered += n
		case campaign.MessageFailed, campaign.MessageUndelivered:
			c.Failed += n
		case campaign.MessageBlocked:
			c.Blocked += n
		}
	}
	return c, cost, rows.Err()
}
