package application

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bizlink/messaging/internal/domain"
	"github.com/bizlink/messaging/internal/observability"
	"github.com/bizlink/messaging/internal/outbox"
)

const notificationPreviewLen = 140

type AppendMessageCommand struct {
	ConversationID   string
	SenderUserID     string
	SenderBusinessID string
	ClientMsgID      string
	Type             domain.MessageType
	Content          string
	Attachments      []domain.Attachment
	ReplyToID        string
	Metadata         string
}

// AppendMessage inserts one message and updates the conversation's counters
// as a single atomic unit: message row, messageCount, lastMessage,
// lastActivity and every non-sender unread counter commit together or not at
// all. A repeated ClientMsgID replays the original result instead of
// appending twice.
func (s *Service) AppendMessage(
	ctx context.Context,
	cmd AppendMessageCommand,
) (*domain.Message, error) {

	if cmd.Type == "" {
		cmd.Type = domain.MessageText
	}

	s.locks.Lock(cmd.ConversationID)
	defer s.locks.Unlock(cmd.ConversationID)

	var result *domain.Message

	err := s.tx.WithTx(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {

		if cmd.ClientMsgID != "" {
			owned, err := s.repo.TryInsertIdempotency(
				ctx, sqlTx,
				cmd.ClientMsgID,
				cmd.SenderUserID,
				cmd.ConversationID,
				time.Now().Add(24*time.Hour),
			)
			if err != nil {
				return fmt.Errorf("idempotency check: %w", err)
			}

			if !owned {
				payload, err := s.repo.GetIdempotencyForUpdate(
					ctx, sqlTx,
					cmd.ClientMsgID,
					cmd.SenderUserID,
					cmd.ConversationID,
				)
				if err != nil {
					return fmt.Errorf("idempotency fetch: %w", err)
				}
				if payload != nil {
					var msg domain.Message
					if err := json.Unmarshal(payload, &msg); err != nil {
						return fmt.Errorf("idempotency decode: %w", err)
					}
					result = &msg
					return nil
				}
			}
		}

		conv, err := s.repo.GetConversationLocked(ctx, sqlTx, cmd.ConversationID)
		if err != nil {
			return err
		}

		sender := domain.ParticipantKey{UserID: cmd.SenderUserID, BusinessID: cmd.SenderBusinessID}
		if err := conv.CanSend(sender); err != nil {
			return err
		}

		if cmd.ReplyToID != "" {
			parent, err := s.repo.GetMessage(ctx, sqlTx, cmd.ReplyToID)
			if err != nil {
				return err
			}
			if parent.ConversationID != cmd.ConversationID {
				return domain.ErrReplyCrossConv
			}
		}

		seq, err := s.repo.NextSequence(ctx, sqlTx, cmd.ConversationID)
		if err != nil {
			return fmt.Errorf("claim sequence: %w", err)
		}

		now := time.Now().UTC()
		msg, err := domain.NewMessage(
			uuid.NewString(),
			cmd.ConversationID,
			cmd.SenderUserID,
			cmd.SenderBusinessID,
			seq,
			cmd.Type,
			cmd.Content,
			cmd.Attachments,
			cmd.ReplyToID,
			cmd.Metadata,
			now,
		)
		if err != nil {
			return err
		}

		if err := s.repo.InsertMessage(ctx, sqlTx, msg); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if err := s.repo.BumpConversationOnAppend(ctx, sqlTx, cmd.ConversationID, msg.ID, msg.SentAt); err != nil {
			return fmt.Errorf("bump conversation: %w", err)
		}

		if err := s.repo.IncrementUnread(ctx, sqlTx, cmd.ConversationID, cmd.SenderUserID); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}

		if err := s.emitDelta(ctx, sqlTx, &domain.DeltaEvent{
			Kind:           domain.DeltaMessageSent,
			ConversationID: cmd.ConversationID,
			OccurredAt:     msg.SentAt,
			Recipients:     recipientKeys(conv),
			Message:        domain.NewMessageDelta(msg),
		}); err != nil {
			return fmt.Errorf("emit delta: %w", err)
		}

		if err := s.emitNotification(ctx, sqlTx, msg); err != nil {
			return fmt.Errorf("emit notification: %w", err)
		}

		if cmd.ClientMsgID != "" {
			payload, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("idempotency encode: %w", err)
			}
			if err := s.repo.UpdateIdempotencyResponse(
				ctx, sqlTx,
				cmd.ClientMsgID,
				cmd.SenderUserID,
				cmd.ConversationID,
				payload,
			); err != nil {
				return fmt.Errorf("idempotency store: %w", err)
			}
		}

		result = msg
		return nil
	})

	if err != nil {
		return nil, err
	}

	observability.MessagesAppendedTotal.WithLabelValues("messaging", string(result.Type)).Inc()
	s.log.Debug("message appended",
		zap.String("conversation_id", result.ConversationID),
		zap.Int64("sequence", result.Sequence),
	)

	return result, nil
}

// emitNotification hands the fire-and-forget event to the external
// notification collaborator's topic via the outbox.
func (s *Service) emitNotification(ctx context.Context, sqlTx *sql.Tx, msg *domain.Message) error {
	preview := msg.Content
	if len(preview) > notificationPreviewLen {
		preview = preview[:notificationPreviewLen]
	}

	payload, err := json.Marshal(domain.NotificationEvent{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderUserID:   msg.SenderUserID,
		ContentPreview: preview,
	})
	if err != nil {
		return err
	}

	return s.repo.InsertOutbox(
		ctx, sqlTx,
		"conversation",
		msg.ConversationID,
		outbox.EventTypeNotification,
		payload,
	)
}
