package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"wasync/internal/models"
)

// Outcome of an idempotent write.
type Outcome int

const (
	Unchanged Outcome = iota
	Created
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	}
	return "unchanged"
}

// UpsertResult describes what a message upsert did.
type UpsertResult struct {
	Outcome        Outcome
	ContactCreated bool
}

// ContactInfo is the gateway's view of a contact.
type ContactInfo struct {
	PhoneNumber       string
	PushName          string
	ProfilePictureURL string
}

// MessageStore owns contacts and messages. Writes are idempotent under the
// (contact_ref, external_id) key.
type MessageStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewMessageStore(db *sqlx.DB) *MessageStore {
	return &MessageStore{db: db, now: time.Now}
}

const messageColumns = `id, contact_ref, external_id, message_at, direction, body, media_type,
	media_url, delivery_status, status_rank, created_at, updated_at`

const contactColumns = `phone_number, display_name, name_source, profile_picture_url,
	last_message_at, unread_count, created_at, updated_at`

// UpsertMessage inserts msg if its key is new. For an existing key only a
// forward status move is applied; body fields keep their first value.
func (s *MessageStore) UpsertMessage(ctx context.Context, msg models.Message) (UpsertResult, error) {
	var res UpsertResult
	if msg.ContactRef == "" || msg.ExternalID == "" {
		return res, fmt.Errorf("message requires contact and external id")
	}
	if !msg.DeliveryStatus.Valid() {
		return res, fmt.Errorf("invalid delivery status %q", msg.DeliveryStatus)
	}
	if msg.Direction != models.DirectionInbound && msg.Direction != models.DirectionOutbound {
		return res, fmt.Errorf("invalid direction %q", msg.Direction)
	}

	now := s.now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.Timestamp = msg.Timestamp.UTC()
	msg.StatusRank = msg.DeliveryStatus.Rank()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		created, err := ensureContact(ctx, tx, msg.ContactRef, now)
		if err != nil {
			return err
		}
		res.ContactCreated = created

		var existing models.Message
		err = tx.GetContext(ctx, &existing, `SELECT `+messageColumns+` FROM messages
			WHERE contact_ref = $1 AND external_id = $2`, msg.ContactRef, msg.ExternalID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			inserted, err := insertMessage(ctx, tx, msg, now)
			if err != nil {
				return err
			}
			if inserted {
				res.Outcome = Created
				return touchContact(ctx, tx, msg, now)
			}
			// Lost a race with a concurrent insert of the same key.
			if err := tx.GetContext(ctx, &existing, `SELECT `+messageColumns+` FROM messages
				WHERE contact_ref = $1 AND external_id = $2`, msg.ContactRef, msg.ExternalID); err != nil {
				return fmt.Errorf("failed to reload message: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up message: %w", err)
		}

		res.Outcome, err = mergeMessage(ctx, tx, existing, msg, now)
		return err
	})
	return res, err
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, msg models.Message, now time.Time) (bool, error) {
	r, err := tx.ExecContext(ctx, `
		INSERT INTO messages (contact_ref, external_id, message_at, direction, body, media_type,
			media_url, delivery_status, status_rank, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (contact_ref, external_id) DO NOTHING`,
		msg.ContactRef, msg.ExternalID, msg.Timestamp, msg.Direction, msg.Body, msg.MediaType,
		msg.MediaURL, msg.DeliveryStatus, msg.StatusRank, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// mergeMessage applies the forward-only status rule and fills a media url the
// first write did not have.
func mergeMessage(ctx context.Context, tx *sqlx.Tx, existing, incoming models.Message, now time.Time) (Outcome, error) {
	outcome := Unchanged

	if incoming.StatusRank > existing.StatusRank {
		r, err := tx.ExecContext(ctx, `
			UPDATE messages SET delivery_status = $1, status_rank = $2, updated_at = $3
			WHERE id = $4 AND status_rank < $2`,
			incoming.DeliveryStatus, incoming.StatusRank, now, existing.ID)
		if err != nil {
			return Unchanged, fmt.Errorf("failed to update message status: %w", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			outcome = Updated
		}
	}

	if existing.MediaURL == "" && incoming.MediaURL != "" {
		r, err := tx.ExecContext(ctx, `
			UPDATE messages SET media_url = $1, updated_at = $2
			WHERE id = $3 AND media_url = ''`,
			incoming.MediaURL, now, existing.ID)
		if err != nil {
			return outcome, fmt.Errorf("failed to update message media: %w", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			outcome = Updated
		}
	}
	return outcome, nil
}

func ensureContact(ctx context.Context, tx *sqlx.Tx, phone string, now time.Time) (bool, error) {
	r, err := tx.ExecContext(ctx, `
		INSERT INTO contacts (phone_number, created_at, updated_at) VALUES ($1, $2, $2)
		ON CONFLICT (phone_number) DO NOTHING`, phone, now)
	if err != nil {
		return false, fmt.Errorf("failed to ensure contact: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// touchContact moves last_message_at forward and counts new inbound messages
// as unread.
func touchContact(ctx context.Context, tx *sqlx.Tx, msg models.Message, now time.Time) error {
	unread := 0
	if msg.Direction == models.DirectionInbound {
		unread = 1
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE contacts SET
			last_message_at = CASE
				WHEN last_message_at IS NULL OR last_message_at < $1 THEN $1
				ELSE last_message_at END,
			unread_count = unread_count + $2,
			updated_at = $3
		WHERE phone_number = $4`,
		msg.Timestamp, unread, now, msg.ContactRef)
	if err != nil {
		return fmt.Errorf("failed to update contact activity: %w", err)
	}
	return nil
}

// ApplyStatus moves the status of an existing message forward. An empty
// phone matches the external id alone. ErrNotFound is returned when no
// message carries the id.
func (s *MessageStore) ApplyStatus(ctx context.Context, phone, externalID string, status models.DeliveryStatus) (Outcome, error) {
	if externalID == "" {
		return Unchanged, fmt.Errorf("status update requires an external id")
	}
	if !status.Valid() {
		return Unchanged, fmt.Errorf("invalid delivery status %q", status)
	}

	r, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivery_status = $1, status_rank = $2, updated_at = $3
		WHERE external_id = $4 AND ($5 = '' OR contact_ref = $5) AND status_rank < $2`,
		status, status.Rank(), s.now().UTC(), externalID, phone)
	if err != nil {
		return Unchanged, fmt.Errorf("failed to apply status: %w", err)
	}
	if n, _ := r.RowsAffected(); n > 0 {
		return Updated, nil
	}

	var count int
	if err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages WHERE external_id = $1 AND ($2 = '' OR contact_ref = $2)`,
		externalID, phone); err != nil {
		return Unchanged, fmt.Errorf("failed to look up message: %w", err)
	}
	if count == 0 {
		return Unchanged, ErrNotFound
	}
	return Unchanged, nil
}

// SupersedePlaceholder replaces the local id of an outbound message with the
// id the gateway assigned. If a message with the real id already arrived via
// webhook, the placeholder is dropped instead.
func (s *MessageStore) SupersedePlaceholder(ctx context.Context, phone, placeholderID, externalID string, status models.DeliveryStatus) error {
	now := s.now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var realID int64
		err := tx.GetContext(ctx, &realID, `SELECT id FROM messages WHERE contact_ref = $1 AND external_id = $2`,
			phone, externalID)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE contact_ref = $1 AND external_id = $2`,
				phone, placeholderID); err != nil {
				return fmt.Errorf("failed to drop placeholder: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET delivery_status = $1, status_rank = $2, updated_at = $3
				WHERE id = $4 AND status_rank < $2`, status, status.Rank(), now, realID)
			if err != nil {
				return fmt.Errorf("failed to update message status: %w", err)
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to look up message: %w", err)
		}

		r, err := tx.ExecContext(ctx, `
			UPDATE messages SET
				external_id = $1,
				delivery_status = CASE WHEN status_rank < $2 THEN $3 ELSE delivery_status END,
				status_rank = CASE WHEN status_rank < $2 THEN $2 ELSE status_rank END,
				updated_at = $4
			WHERE contact_ref = $5 AND external_id = $6`,
			externalID, status.Rank(), status, now, phone, placeholderID)
		if err != nil {
			return fmt.Errorf("failed to replace placeholder: %w", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpsertContact records what the gateway knows about a contact. A name set
// by a user is never overwritten by the gateway.
func (s *MessageStore) UpsertContact(ctx context.Context, info ContactInfo) (Outcome, error) {
	if info.PhoneNumber == "" {
		return Unchanged, fmt.Errorf("contact requires a phone number")
	}
	now := s.now().UTC()

	var outcome Outcome
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		source := models.NameSourceNone
		if info.PushName != "" {
			source = models.NameSourceGateway
		}
		r, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (phone_number, display_name, name_source, profile_picture_url, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (phone_number) DO NOTHING`,
			info.PhoneNumber, info.PushName, source, info.ProfilePictureURL, now)
		if err != nil {
			return fmt.Errorf("failed to insert contact: %w", err)
		}
		if n, _ := r.RowsAffected(); n == 1 {
			outcome = Created
			return nil
		}

		if info.PushName != "" {
			r, err := tx.ExecContext(ctx, `
				UPDATE contacts SET display_name = $1, name_source = $2, updated_at = $3
				WHERE phone_number = $4 AND display_name <> $1
					AND (name_source <> $5 OR display_name = '')`,
				info.PushName, models.NameSourceGateway, now, info.PhoneNumber, models.NameSourceUser)
			if err != nil {
				return fmt.Errorf("failed to update contact name: %w", err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				outcome = Updated
			}
		}
		if info.ProfilePictureURL != "" {
			r, err := tx.ExecContext(ctx, `
				UPDATE contacts SET profile_picture_url = $1, updated_at = $2
				WHERE phone_number = $3 AND profile_picture_url <> $1`,
				info.ProfilePictureURL, now, info.PhoneNumber)
			if err != nil {
				return fmt.Errorf("failed to update contact picture: %w", err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				outcome = Updated
			}
		}
		return nil
	})
	return outcome, err
}

// SetDisplayName assigns a user chosen name. An empty name clears it and lets
// the gateway name the contact again.
func (s *MessageStore) SetDisplayName(ctx context.Context, phone, name string) (*models.Contact, error) {
	if phone == "" {
		return nil, fmt.Errorf("contact requires a phone number")
	}
	source := models.NameSourceUser
	if name == "" {
		source = models.NameSourceNone
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (phone_number, display_name, name_source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (phone_number) DO UPDATE SET
			display_name = excluded.display_name,
			name_source = excluded.name_source,
			updated_at = excluded.updated_at`,
		phone, name, source, now)
	if err != nil {
		return nil, fmt.Errorf("failed to set contact name: %w", err)
	}
	return s.GetContact(ctx, phone)
}

// SetMediaURL records where the media of a message can be fetched. An
// existing url is kept.
func (s *MessageStore) SetMediaURL(ctx context.Context, phone, externalID, mediaURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET media_url = $1, updated_at = $2
		WHERE contact_ref = $3 AND external_id = $4 AND media_url = ''`,
		mediaURL, s.now().UTC(), phone, externalID)
	if err != nil {
		return fmt.Errorf("failed to set media url: %w", err)
	}
	return nil
}

// ResetUnread marks the conversation with phone as read.
func (s *MessageStore) ResetUnread(ctx context.Context, phone string) error {
	r, err := s.db.ExecContext(ctx, `UPDATE contacts SET unread_count = 0, updated_at = $1 WHERE phone_number = $2`,
		s.now().UTC(), phone)
	if err != nil {
		return fmt.Errorf("failed to reset unread count: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MessageStore) GetContact(ctx context.Context, phone string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.GetContext(ctx, &c, `SELECT `+contactColumns+` FROM contacts WHERE phone_number = $1`, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}
	return &c, nil
}

// ListContacts returns contacts by most recent activity.
func (s *MessageStore) ListContacts(ctx context.Context, limit, offset int) ([]models.Contact, error) {
	contacts := []models.Contact{}
	err := s.db.SelectContext(ctx, &contacts, `SELECT `+contactColumns+` FROM contacts
		ORDER BY CASE WHEN last_message_at IS NULL THEN 1 ELSE 0 END, last_message_at DESC, phone_number
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contacts, nil
}

func (s *MessageStore) GetMessage(ctx context.Context, phone, externalID string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages
		WHERE contact_ref = $1 AND external_id = $2`, phone, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return &m, nil
}

// ListMessages returns the latest limit messages of a conversation, oldest first.
func (s *MessageStore) ListMessages(ctx context.Context, phone string, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	err := s.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
		WHERE contact_ref = $1 ORDER BY message_at DESC, id DESC LIMIT $2`, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CountMessages returns the number of stored messages, optionally for one contact.
func (s *MessageStore) CountMessages(ctx context.Context, phone string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE $1 = '' OR contact_ref = $1`, phone)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (s *MessageStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
