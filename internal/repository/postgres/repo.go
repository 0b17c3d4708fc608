package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bizlink/messaging/internal/cache"
	"github.com/bizlink/messaging/internal/domain"
	apptx "github.com/bizlink/messaging/internal/tx"
)

// Repository is the lib/pq implementation. Attachments, receipts, deletions
// and edit history live in JSONB columns: they are owned by the message row
// and always read and written with it.
type Repository struct {
	DB    *sql.DB
	Cache *cache.Cache
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *Repository) getter(tx *sql.Tx) queryable {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r *Repository) InsertConversation(ctx context.Context, tx *sql.Tx, conv *domain.Conversation, lookupKey *string) error {
	q := r.getter(tx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversations (
			id, subject, status, is_group,
			last_message_id, last_activity, message_count,
			inquiry_type, related_product_id, priority, tags,
			lookup_key, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		conv.ID,
		conv.Subject,
		conv.Status,
		conv.IsGroup,
		nullStr(conv.LastMessageID),
		conv.LastActivity,
		conv.MessageCount,
		conv.Metadata.InquiryType,
		conv.Metadata.RelatedProductID,
		conv.Metadata.Priority,
		pq.Array(conv.Metadata.Tags),
		lookupKey,
		conv.CreatedAt,
	)
	if err != nil {
		// A racing create that committed first trips the lookup_key constraint.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return domain.ErrConversationExists
		}
		return err
	}

	for _, p := range conv.Participants {
		if err := r.InsertParticipant(ctx, tx, conv.ID, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetConversation(ctx context.Context, tx *sql.Tx, convID string) (*domain.Conversation, error) {
	if tx == nil && r.Cache != nil {
		if conv, err := r.Cache.GetConversation(ctx, convID); err == nil && conv != nil {
			return conv, nil
		}
	}

	conv, err := r.fetchConversation(ctx, tx, convID, false)
	if err != nil {
		return nil, err
	}

	if tx == nil && r.Cache != nil {
		_ = r.Cache.SetConversation(ctx, conv)
	}
	return conv, nil
}

func (r *Repository) GetConversationLocked(ctx context.Context, tx *sql.Tx, convID string) (*domain.Conversation, error) {
	return r.fetchConversation(ctx, tx, convID, true)
}

func (r *Repository) GetConversationByLookupKey(ctx context.Context, tx *sql.Tx, key string) (*domain.Conversation, error) {
	q := r.getter(tx)
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE lookup_key = $1
	`, key).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrConversationNotFound
		}
		return nil, err
	}
	return r.fetchConversation(ctx, tx, id, false)
}

func (r *Repository) fetchConversation(ctx context.Context, tx *sql.Tx, convID string, forUpdate bool) (*domain.Conversation, error) {
	query := `
		SELECT id, subject, status, is_group,
		       last_message_id, last_activity, message_count,
		       inquiry_type, related_product_id, priority, tags, created_at
		FROM conversations
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	q := r.getter(tx)

	var conv domain.Conversation
	var lastMsgID sql.NullString
	var tags pq.StringArray
	err := q.QueryRowContext(ctx, query, convID).Scan(
		&conv.ID,
		&conv.Subject,
		&conv.Status,
		&conv.IsGroup,
		&lastMsgID,
		&conv.LastActivity,
		&conv.MessageCount,
		&conv.Metadata.InquiryType,
		&conv.Metadata.RelatedProductID,
		&conv.Metadata.Priority,
		&tags,
		&conv.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrConversationNotFound
		}
		return nil, err
	}
	conv.LastMessageID = lastMsgID.String
	conv.Metadata.Tags = tags

	rows, err := q.QueryContext(ctx, `
		SELECT user_id, business_id, joined_at, last_read_at, unread_count, is_archived
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at, user_id
	`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Participant
		var lastRead sql.NullTime
		if err := rows.Scan(&p.UserID, &p.BusinessID, &p.JoinedAt, &lastRead, &p.UnreadCount, &p.IsArchived); err != nil {
			return nil, err
		}
		p.LastReadAt = lastRead.Time
		conv.Participants = append(conv.Participants, p)
	}

	return &conv, rows.Err()
}

func (r *Repository) UpdateConversationStatus(ctx context.Context, tx *sql.Tx, convID string, status domain.ConversationStatus) error {
	q := r.getter(tx)
	_, err := q.ExecContext(ctx, `
		UPDATE conversations SET status = $2 WHERE id = $1
	`, convID, status)
	if err != nil {
		return err
	}
	return r.invalidate(ctx, tx, convID)
}

func (r *Repository) DeleteConversation(ctx context.Context, tx *sql.Tx, convID string) error {
	q := r.getter(tx)
	// Participant, sequence and message rows cascade from the conversation row.
	if _, err := q.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, convID); err != nil {
		return err
	}
	return r.invalidate(ctx, tx, convID)
}

func (r *Repository) ListConversationsForParticipant(ctx context.Context, userID, businessID string, includeArchived bool) ([]*domain.Conversation, error) {
	query := `
		SELECT c.id
		FROM conversations c
		JOIN conversation_participants cp ON c.id = cp.conversation_id
		WHERE cp.user_id = $1
	`
	args := []interface{}{userID}
	if businessID != "" {
		query += ` AND cp.business_id = $2`
		args = append(args, businessID)
	}
	if !includeArchived {
		query += ` AND NOT cp.is_archived`
	}
	query += ` ORDER BY c.last_activity DESC`

	rows, err := r.DB.QueryContext(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := r.fetchConversation(ctx, nil, id, false)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func (r *Repository) InsertParticipant(ctx context.Context, tx *sql.Tx, convID string, p domain.Participant) error {
	q := r.getter(tx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversation_participants (
			conversation_id, user_id, business_id,
			joined_at, last_read_at, unread_count, is_archived
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (conversation_id, user_id, business_id) DO NOTHING
	`, convID, p.UserID, p.BusinessID, p.JoinedAt, nullTime(p.LastReadAt), p.UnreadCount, p.IsArchived)
	if err != nil {
		return err
	}
	return r.invalidate(ctx, tx, convID)
}

func (r *Repository) DeleteParticipant(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey) error {
	q := r.getter(tx)
	_, err := q.ExecContext(ctx, `
		DELETE FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2 AND business_id = $3
	`, convID, key.UserID, key.BusinessID)
	if err != nil {
		return err
	}
	return r.invalidate(ctx, tx, convID)
}

func (r *Repository) SetParticipantArchived(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, archived bool) error {
	q := r.getter(tx)
	res, err := q.ExecContext(ctx, `
		UPDATE conversation_participants
		SET is_archived = $4
		WHERE conversation_id = $1 AND user_id = $2 AND business_id = $3
	`, convID, key.UserID, key.BusinessID, archived)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotParticipant
	}
	return r.invalidate(ctx, tx, convID)
}

func (r *Repository) BumpConversationOnAppend(ctx context.Context, tx *sql.Tx, convID, lastMessageID string, at time.Time) error {
	q := r.getter(tx)
	_, err := q.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = $2,
		    message_count = message_count + 1,
		    last_activity = GREATEST(last_activity, $3)
		WHERE id = $1
	`, convID, lastMessageID, at)
	if err != nil {
		return err
	}
	return r.invalidate(ctx, tx, convID)
}

func (r *Repository) IncrementUnread(ctx context.Context, tx *sql.Tx, convID string, exceptUserID string) error {
	q := r.getter(tx)
	_, err := q.ExecContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = unread_count + 1
		WHERE conversation_id = $1 AND user_id <> $2
	`, convID, exceptUserID)
	if err != nil {
		return err
	}
	return r.invalidate(ctx, tx, convID)
}

func (r *Repository) MarkConversationRead(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, at time.Time) error {
	q := r.getter(tx)
	res, err := q.ExecContext(ctx, `
		UPDATE conversation_participants
		SET last_read_at = GREATEST(COALESCE(last_read_at, 'epoch'::timestamptz), $4),
		    unread_count = 0
		WHERE conversation_id = $1 AND user_id = $2 AND business_id = $3
	`, convID, key.UserID, key.BusinessID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotParticipant
	}
	return r.invalidate(ctx, tx, convID)
}

func (r *Repository) AdvanceReadMarker(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, at time.Time) (time.Time, error) {
	q := r.getter(tx)
	var marker time.Time
	err := q.QueryRowContext(ctx, `
		UPDATE conversation_participants
		SET last_read_at = GREATEST(COALESCE(last_read_at, 'epoch'::timestamptz), $4)
		WHERE conversation_id = $1 AND user_id = $2 AND business_id = $3
		RETURNING last_read_at
	`, convID, key.UserID, key.BusinessID, at).Scan(&marker)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, domain.ErrNotParticipant
		}
		return time.Time{}, err
	}
	return marker, r.invalidate(ctx, tx, convID)
}

func (r *Repository) SetUnreadCount(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, n int64) error {
	q := r.getter(tx)
	res, err := q.ExecContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = $4
		WHERE conversation_id = $1 AND user_id = $2 AND business_id = $3
	`, convID, key.UserID, key.BusinessID, n)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrNotParticipant
	}
	return r.invalidate(ctx, tx, convID)
}

func (r *Repository) GetParticipant(ctx context.Context, convID string, key domain.ParticipantKey) (*domain.Participant, error) {
	var p domain.Participant
	var lastRead sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
		SELECT user_id, business_id, joined_at, last_read_at, unread_count, is_archived
		FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2 AND business_id = $3
	`, convID, key.UserID, key.BusinessID).Scan(
		&p.UserID, &p.BusinessID, &p.JoinedAt, &lastRead, &p.UnreadCount, &p.IsArchived,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotParticipant
		}
		return nil, err
	}
	p.LastReadAt = lastRead.Time
	return &p, nil
}

func (r *Repository) CountUnreadMessages(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, after time.Time) (int64, error) {
	var n int64
	q := r.getter(tx)
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1
		  AND sent_at > $2
		  AND sender_user_id <> $3
		  AND NOT is_deleted
	`, convID, after, key.UserID).Scan(&n)
	return n, err
}

func (r *Repository) UnreadTotal(ctx context.Context, userID string) (int64, error) {
	var total sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `
		SELECT SUM(cp.unread_count)
		FROM conversation_participants cp
		JOIN conversations c ON c.id = cp.conversation_id
		WHERE cp.user_id = $1
		  AND NOT cp.is_archived
		  AND c.status = 'active'
	`, userID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (r *Repository) NextSequence(ctx context.Context, tx *sql.Tx, convID string) (int64, error) {
	return r.nextCounter(ctx, tx, convID, "next_sequence")
}

func (r *Repository) NextDeltaSeq(ctx context.Context, tx *sql.Tx, convID string) (int64, error) {
	return r.nextCounter(ctx, tx, convID, "next_delta_seq")
}

func (r *Repository) nextCounter(ctx context.Context, tx *sql.Tx, convID, column string) (int64, error) {
	var next int64
	q := r.getter(tx)
	// Column name is one of two constants above, never user input.
	err := q.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE conversation_sequences
		SET %s = %s + 1
		WHERE conversation_id = $1
		RETURNING %s
	`, column, column, column), convID).Scan(&next)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, domain.ErrConversationNotFound
		}
		return 0, err
	}
	return next, nil
}

func (r *Repository) InitSequences(ctx context.Context, tx *sql.Tx, convID string) error {
	// Counters start at 0; the first claim returns 1.
	q := r.getter(tx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversation_sequences (conversation_id, next_sequence, next_delta_seq)
		VALUES ($1, 0, 0)
	`, convID)
	return err
}

func (r *Repository) InsertMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	attachments, readBy, deletedBy, edits, err := marshalMessageDocs(msg)
	if err != nil {
		return err
	}

	q := r.getter(tx)
	_, err = q.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, sender_user_id, sender_business_id,
			sequence, type, content, reply_to_id, metadata,
			attachments, read_by, deleted_by, edit_history,
			is_deleted, sent_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		msg.ID, msg.ConversationID, msg.SenderUserID, msg.SenderBusinessID,
		msg.Sequence, msg.Type, msg.Content, nullStr(msg.ReplyToID), nullStr(msg.Metadata),
		attachments, readBy, deletedBy, edits,
		msg.IsDeleted, msg.SentAt,
	)
	return err
}

func (r *Repository) UpdateMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	attachments, readBy, deletedBy, edits, err := marshalMessageDocs(msg)
	if err != nil {
		return err
	}

	q := r.getter(tx)
	res, err := q.ExecContext(ctx, `
		UPDATE messages
		SET content = $2, attachments = $3, read_by = $4,
		    deleted_by = $5, edit_history = $6, is_deleted = $7
		WHERE id = $1
	`, msg.ID, msg.Content, attachments, readBy, deletedBy, edits, msg.IsDeleted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *Repository) GetMessage(ctx context.Context, tx *sql.Tx, msgID string) (*domain.Message, error) {
	return r.fetchMessage(ctx, tx, msgID, false)
}

func (r *Repository) GetMessageForUpdate(ctx context.Context, tx *sql.Tx, msgID string) (*domain.Message, error) {
	return r.fetchMessage(ctx, tx, msgID, true)
}

const messageColumns = `
	id, conversation_id, sender_user_id, sender_business_id,
	sequence, type, content, reply_to_id, metadata,
	attachments, read_by, deleted_by, edit_history,
	is_deleted, sent_at
`

func (r *Repository) fetchMessage(ctx context.Context, tx *sql.Tx, msgID string, forUpdate bool) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	q := r.getter(tx)
	msg, err := scanMessage(q.QueryRowContext(ctx, query, msgID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (r *Repository) ListMessages(ctx context.Context, convID string, before time.Time, beforeSeq int64, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1`
	args := []interface{}{convID}

	if !before.IsZero() {
		query += ` AND (sent_at, sequence) < ($2, $3)`
		args = append(args, before, beforeSeq)
	}
	query += fmt.Sprintf(` ORDER BY sent_at DESC, sequence DESC LIMIT %d`, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *Repository) FetchMessagesAfter(ctx context.Context, convID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, convID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *Repository) TryInsertIdempotency(ctx context.Context, tx *sql.Tx, key, userID, conversationID string, expiresAt time.Time) (bool, error) {
	// Owned only when THIS call inserted the row; a duplicate reports 0 rows.
	q := r.getter(tx)
	result, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, user_id, conversation_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key, user_id, conversation_id) DO NOTHING
	`, key, userID, conversationID, expiresAt)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Repository) GetIdempotencyForUpdate(ctx context.Context, tx *sql.Tx, key, userID, conversationID string) ([]byte, error) {
	q := r.getter(tx)
	var payload []byte
	err := q.QueryRowContext(ctx, `
		SELECT payload
		FROM idempotency_keys
		WHERE key = $1 AND user_id = $2 AND conversation_id = $3
		FOR UPDATE
	`, key, userID, conversationID).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return payload, nil
}

func (r *Repository) UpdateIdempotencyResponse(ctx context.Context, tx *sql.Tx, key, userID, conversationID string, payload []byte) error {
	q := r.getter(tx)
	_, err := q.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET payload = $4
		WHERE key = $1 AND user_id = $2 AND conversation_id = $3
	`, key, userID, conversationID, payload)
	return err
}

func (r *Repository) InsertOutbox(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID, eventType string, payload []byte) error {
	q := r.getter(tx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, aggregateType, aggregateID, eventType, payload)
	return err
}

func (r *Repository) invalidate(ctx context.Context, sqlTx *sql.Tx, convID string) error {
	if r.Cache == nil {
		return nil
	}
	if err := r.Cache.DeleteConversation(ctx, convID); err != nil {
		return err
	}
	if sqlTx != nil {
		// A read racing the window between the DEL above and COMMIT can
		// re-fill the cache with the pre-commit row; delete again once the
		// write is visible.
		apptx.OnCommit(ctx, func() {
			_ = r.Cache.DeleteConversation(context.Background(), convID)
		})
	}
	return nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func marshalMessageDocs(msg *domain.Message) (attachments, readBy, deletedBy, edits []byte, err error) {
	if attachments, err = json.Marshal(msg.Attachments); err != nil {
		return
	}
	if readBy, err = json.Marshal(msg.ReadBy); err != nil {
		return
	}
	if deletedBy, err = json.Marshal(msg.DeletedBy); err != nil {
		return
	}
	edits, err = json.Marshal(msg.EditHistory)
	return
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var replyTo, metadata sql.NullString
	var attachments, readBy, deletedBy, edits []byte

	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderUserID, &msg.SenderBusinessID,
		&msg.Sequence, &msg.Type, &msg.Content, &replyTo, &metadata,
		&attachments, &readBy, &deletedBy, &edits,
		&msg.IsDeleted, &msg.SentAt,
	)
	if err != nil {
		return nil, err
	}
	msg.ReplyToID = replyTo.String
	msg.Metadata = metadata.String

	if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(readBy, &msg.ReadBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(deletedBy, &msg.DeletedBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(edits, &msg.EditHistory); err != nil {
		return nil, err
	}
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	var out []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
