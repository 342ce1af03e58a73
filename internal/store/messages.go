package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"smsqd/internal/campaign"
)

const messageCols = `id, campaign_id, user_id, contact_id, phone_number, body, sender, status, provider_id,
retry_count, max_retries, cost, error_text, lease_until, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (campaign.Message, error) {
	var (
		m                              campaign.Message
		campaignID, contactID, errText sql.NullString
		status                         string
		leaseUntil                     sql.NullString
		createdAt, updatedAt           string
	)
	err := row.Scan(&m.ID, &campaignID, &m.UserID, &contactID, &m.PhoneNumber, &m.Body, &m.Sender, &status, &m.ProviderID,
		&m.RetryCount, &m.MaxRetries, &m.Cost, &errText, &leaseUntil, &createdAt, &updatedAt)
	if err != nil {
		return campaign.Message{}, err
	}
	m.CampaignID = campaignID.String
	m.ContactID = contactID.String
	m.ErrorText = errText.String
	m.Status = campaign.MessageStatus(status)
	m.LeaseUntil = scanTimePtr(leaseUntil)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

// InsertMessage creates a single queued message record.
// A duplicate (campaign, phone) pair returns ErrConflict.
func (s *Store) InsertMessage(ctx context.Context, m campaign.Message) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, nullStr(m.CampaignID), m.UserID, nullStr(m.ContactID), m.PhoneNumber, m.Body, m.Sender,
		string(m.Status), m.ProviderID, m.RetryCount, m.MaxRetries, m.Cost,
		nullStr(m.ErrorText), nullTime(m.LeaseUntil), now, now)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// InsertMessages inserts a batch inside one transaction, skipping duplicate
// (campaign, phone) pairs. It returns the number of rows actually inserted,
// which makes campaign fan-out idempotent.
func (s *Store) InsertMessages(ctx context.Context, msgs []campaign.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	inserted := 0
	for _, m := range msgs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (`+messageCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT DO NOTHING`,
			m.ID, nullStr(m.CampaignID), m.UserID, nullStr(m.ContactID), m.PhoneNumber, m.Body, m.Sender,
			string(m.Status), m.ProviderID, m.RetryCount, m.MaxRetries, m.Cost,
			nullStr(m.ErrorText), nullTime(m.LeaseUntil), now, now)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (campaign.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Message{}, ErrNotFound
	}
	return m, err
}

// ClaimQueued atomically claims up to limit dispatchable messages.
//
// A message is dispatchable when status=queued, retry_count < max_retries,
// and it either belongs to an active (draft|sending) campaign or has no
// campaign at all. Claimed rows move to processing with a lease; leases that
// expire without an outcome are reverted by RequeueExpiredLeases, so a
// crashed worker can never strand a message in processing.
func (s *Store) ClaimQueued(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]campaign.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages m
		 WHERE m.status = 'queued' AND m.retry_count < m.max_retries
		   AND (m.campaign_id IS NULL OR EXISTS (
		         SELECT 1 FROM campaigns c WHERE c.id = m.campaign_id AND c.status IN ('draft','sending')))
		 ORDER BY m.created_at
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var claimed []campaign.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	leaseUntil := now.Add(lease)
	out := claimed[:0]
	for _, m := range claimed {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = 'processing', lease_until = ?, updated_at = ?
			 WHERE id = ? AND status = 'queued'`,
			fmtTime(leaseUntil), fmtTime(now), m.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			m.Status = campaign.MessageProcessing
			lu := leaseUntil
			m.LeaseUntil = &lu
			out = append(out, m)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkMessageSent records a successful provider accept.
func (s *Store) MarkMessageSent(ctx context.Context, id string, cost float64) error {
	return s.finishMessage(ctx, id, campaign.MessageSent, cost, "")
}

// MarkMessageDelivered records a delivery confirmation callback.
func (s *Store) MarkMessageDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'delivered', updated_at = ? WHERE id = ? AND status = 'sent'`,
		fmtTime(time.Now()), id)
	return err
}

// MarkMessageUndelivered records a delivery failure callback.
func (s *Store) MarkMessageUndelivered(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'undelivered', error_text = ?, updated_at = ? WHERE id = ? AND status = 'sent'`,
		nullStr(reason), fmtTime(time.Now()), id)
	return err
}

// MarkMessageFailed bumps the retry counter after a provider error. The
// message returns to queued while retries remain, and becomes terminal
// failed once retry_count reaches max_retries.
func (s *Store) MarkMessageFailed(ctx context.Context, id, errText string) (terminal bool, err error) {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET retry_count = retry_count + 1, error_text = ?, lease_until = NULL,
		   status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'queued' END,
		   updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		nullStr(errText), now, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrConflict
	}

	var status string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&status); err != nil {
		return false, err
	}
	return campaign.MessageStatus(status) == campaign.MessageFailed, nil
}

func (s *Store) finishMessage(ctx context.Context, id string, status campaign.MessageStatus, cost float64, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, cost = ?, error_text = ?, lease_until = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		string(status), cost, nullStr(errText), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkMessageRejected terminally fails a claimed message without burning
// retries: permanent gateway rejections and quota exhaustion land here.
func (s *Store) MarkMessageRejected(ctx context.Context, id, reason string) error {
	return s.finishMessage(ctx, id, campaign.MessageFailed, 0, reason)
}

// ReleaseMessage hands a claimed message back to the queue untouched, e.g.
// when the provider's circuit breaker is open.
func (s *Store) ReleaseMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'queued', lease_until = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		fmtTime(time.Now()), id)
	return err
}

// TotalPendingMessages counts queued and leased messages across the board.
func (s *Store) TotalPendingMessages(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status IN ('queued','processing')`).Scan(&n)
	return n, err
}

// RequeueExpiredLeases reverts processing messages whose lease expired.
func (s *Store) RequeueExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'queued', lease_until = NULL, updated_at = ?
		 WHERE status = 'processing' AND lease_until IS NOT NULL AND lease_until < ?`,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetCampaignMessages requeues a campaign's failed/undelivered messages
// for a restart. Sent and delivered messages are left alone.
func (s *Store) ResetCampaignMessages(ctx context.Context, campaignID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'queued', retry_count = 0, error_text = NULL, lease_until = NULL, updated_at = ?
		 WHERE campaign_id = ? AND status IN ('failed','undelivered')`,
		fmtTime(time.Now()), campaignID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingMessageCount counts non-terminal messages for a campaign.
func (s *Store) PendingMessageCount(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE campaign_id = ? AND status IN ('queued','processing')`,
		campaignID).Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
