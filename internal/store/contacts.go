package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ContactList is a named collection of recipients owned by a user.
type ContactList struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Contact is a single recipient in a list.
type Contact struct {
	ID          string    `json:"id"`
	ListID      string    `json:"list_id"`
	PhoneNumber string    `json:"phone_number"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Store) CreateContactList(ctx context.Context, l ContactList) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contact_lists (id, user_id, name, created_at) VALUES (?,?,?,?)`,
		l.ID, l.UserID, l.Name, fmtTime(time.Now()))
	return err
}

func (s *Store) GetContactList(ctx context.Context, id string) (ContactList, error) {
	var l ContactList
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at FROM contact_lists WHERE id = ?`, id).
		Scan(&l.ID, &l.UserID, &l.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ContactList{}, ErrNotFound
	}
	if err != nil {
		return ContactList{}, err
	}
	l.CreatedAt = parseTime(createdAt)
	return l, nil
}

func (s *Store) ListContactLists(ctx context.Context, userID string) ([]ContactList, error) {
	q := `SELECT id, user_id, name, created_at FROM contact_lists`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContactList
	for rows.Next() {
		var l ContactList
		var createdAt string
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = parseTime(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) DeleteContactList(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contact_lists WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddContacts bulk-inserts contacts, skipping numbers already in the list.
// Returns the count actually added.
func (s *Store) AddContacts(ctx context.Context, contacts []Contact) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	added := 0
	for _, c := range contacts {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO contacts (id, list_id, phone_number, name, created_at) VALUES (?,?,?,?,?)
			 ON CONFLICT DO NOTHING`,
			c.ID, c.ListID, c.PhoneNumber, nullStr(c.Name), now)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

func (s *Store) ListContacts(ctx context.Context, listID string) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, list_id, phone_number, name, created_at FROM contacts WHERE list_id = ? ORDER BY phone_number`,
		listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var name sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ListID, &c.PhoneNumber, &name, &createdAt); err != nil {
			return nil, err
		}
		c.Name = name.String
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ContactCount(ctx context.Context, listID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts WHERE list_id = ?`, listID).Scan(&n)
	return n, err
}
