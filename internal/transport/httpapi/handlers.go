package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bizlink/messaging/internal/application"
	"github.com/bizlink/messaging/internal/domain"
)

// Handler serves the messaging HTTP API. Identity arrives via the
// X-User-ID / X-Business-ID headers set by the authenticating edge.
type Handler struct {
	app *application.Service
}

func NewHandler(app *application.Service) *Handler {
	return &Handler{app: app}
}

func identityFrom(r *http.Request) (domain.ParticipantKey, error) {
	key := domain.ParticipantKey{
		UserID:     r.Header.Get("X-User-ID"),
		BusinessID: r.Header.Get("X-Business-ID"),
	}
	if key.UserID == "" || key.BusinessID == "" {
		return key, fmt.Errorf("%w: missing identity headers", domain.ErrUnauthorized)
	}
	return key, nil
}

type messageResponse struct {
	ID               string               `json:"id"`
	ConversationID   string               `json:"conversation_id"`
	SenderUserID     string               `json:"sender_user_id"`
	SenderBusinessID string               `json:"sender_business_id"`
	Sequence         int64                `json:"sequence"`
	Type             domain.MessageType   `json:"type"`
	Content          string               `json:"content"`
	Attachments      []domain.Attachment  `json:"attachments,omitempty"`
	ReadBy           []domain.ReadReceipt `json:"read_by,omitempty"`
	IsDeleted        bool                 `json:"is_deleted"`
	EditCount        int                  `json:"edit_count"`
	ReplyToID        string               `json:"reply_to_id,omitempty"`
	Quote            *domain.QuotePayload `json:"quote,omitempty"`
	SentAt           time.Time            `json:"sent_at"`
}

func toMessageResponse(m *domain.Message) messageResponse {
	resp := messageResponse{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderUserID:     m.SenderUserID,
		SenderBusinessID: m.SenderBusinessID,
		Sequence:         m.Sequence,
		Type:             m.Type,
		Content:          m.DisplayContent(),
		Attachments:      m.DisplayAttachments(),
		ReadBy:           m.ReadBy,
		IsDeleted:        m.IsDeleted,
		EditCount:        len(m.EditHistory),
		ReplyToID:        m.ReplyToID,
		SentAt:           m.SentAt,
	}
	if !m.IsDeleted {
		if q, err := m.Quote(); err == nil {
			resp.Quote = q
		}
	}
	return resp
}

type conversationResponse struct {
	ID            string                     `json:"id"`
	Subject       string                     `json:"subject,omitempty"`
	Participants  []participantResponse      `json:"participants"`
	LastMessageID string                     `json:"last_message_id,omitempty"`
	LastActivity  time.Time                  `json:"last_activity"`
	MessageCount  int64                      `json:"message_count"`
	Status        domain.ConversationStatus  `json:"status"`
	IsGroup       bool                       `json:"is_group"`
	Metadata      domain.Metadata            `json:"metadata"`
	CreatedAt     time.Time                  `json:"created_at"`
}

type participantResponse struct {
	UserID      string    `json:"user_id"`
	BusinessID  string    `json:"business_id"`
	JoinedAt    time.Time `json:"joined_at"`
	LastReadAt  time.Time `json:"last_read_at"`
	UnreadCount int64     `json:"unread_count"`
	IsArchived  bool      `json:"is_archived"`
}

func toConversationResponse(c *domain.Conversation) conversationResponse {
	parts := make([]participantResponse, 0, len(c.Participants))
	for _, p := range c.Participants {
		parts = append(parts, participantResponse{
			UserID:      p.UserID,
			BusinessID:  p.BusinessID,
			JoinedAt:    p.JoinedAt,
			LastReadAt:  p.LastReadAt,
			UnreadCount: p.UnreadCount,
			IsArchived:  p.IsArchived,
		})
	}
	return conversationResponse{
		ID:            c.ID,
		Subject:       c.Subject,
		Participants:  parts,
		LastMessageID: c.LastMessageID,
		LastActivity:  c.LastActivity,
		MessageCount:  c.MessageCount,
		Status:        c.Status,
		IsGroup:       c.IsGroup,
		Metadata:      c.Metadata,
		CreatedAt:     c.CreatedAt,
	}
}

type createConversationRequest struct {
	Participants []domain.ParticipantKey `json:"participants"`
	Subject      string                  `json:"subject"`
	IsGroup      bool                    `json:"is_group"`
	Metadata     domain.Metadata         `json:"metadata"`
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	conv, created, err := h.app.CreateConversation(r.Context(), application.CreateConversationCommand{
		CreatorUserID:     actor.UserID,
		CreatorBusinessID: actor.BusinessID,
		Participants:      req.Participants,
		Subject:           req.Subject,
		IsGroup:           req.IsGroup,
		Metadata:          req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, toConversationResponse(conv))
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	includeArchived := r.URL.Query().Get("include_archived") == "true"
	convs, err := h.app.ListConversations(r.Context(), actor, includeArchived)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversationResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conv, err := h.app.GetConversation(r.Context(), chi.URLParam(r, "conversationID"), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.app.DeleteConversation(r.Context(), chi.URLParam(r, "conversationID"), actor); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type appendMessageRequest struct {
	ClientMsgID string              `json:"client_msg_id"`
	Type        domain.MessageType  `json:"type"`
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"attachments"`
	ReplyToID   string              `json:"reply_to_id"`
	Metadata    string              `json:"metadata"`
}

func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	msg, err := h.app.AppendMessage(r.Context(), application.AppendMessageCommand{
		ConversationID:   chi.URLParam(r, "conversationID"),
		SenderUserID:     actor.UserID,
		SenderBusinessID: actor.BusinessID,
		ClientMsgID:      req.ClientMsgID,
		Type:             req.Type,
		Content:          req.Content,
		Attachments:      req.Attachments,
		ReplyToID:        req.ReplyToID,
		Metadata:         req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, err := h.app.ListMessages(
		r.Context(),
		chi.URLParam(r, "conversationID"),
		actor,
		r.URL.Query().Get("cursor"),
		limit,
	)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]messageResponse, 0, len(page.Messages))
	for _, m := range page.Messages {
		out = append(out, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":    out,
		"next_cursor": page.NextCursor,
	})
}

func (h *Handler) SyncMessages(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.app.SyncMessages(r.Context(), chi.URLParam(r, "conversationID"), actor, afterSeq, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	if err := h.app.EditMessage(r.Context(), application.EditMessageCommand{
		ConversationID: chi.URLParam(r, "conversationID"),
		MessageID:      chi.URLParam(r, "messageID"),
		EditorUserID:   actor.UserID,
		NewContent:     req.Content,
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.app.SoftDeleteMessage(r.Context(), application.DeleteMessageCommand{
		ConversationID: chi.URLParam(r, "conversationID"),
		MessageID:      chi.URLParam(r, "messageID"),
		RequesterID:    actor.UserID,
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type markReadRequest struct {
	ReadAt time.Time `json:"read_at"`
}

func (h *Handler) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req markReadRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.app.MarkMessageRead(r.Context(), application.MarkMessageReadCommand{
		ConversationID: chi.URLParam(r, "conversationID"),
		MessageID:      chi.URLParam(r, "messageID"),
		ReaderUserID:   actor.UserID,
		ReaderBusiness: actor.BusinessID,
		ReadAt:         req.ReadAt,
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req markReadRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.app.MarkConversationRead(r.Context(), application.MarkConversationReadCommand{
		ConversationID: chi.URLParam(r, "conversationID"),
		ReaderUserID:   actor.UserID,
		ReaderBusiness: actor.BusinessID,
		ReadAt:         req.ReadAt,
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type archiveRequest struct {
	Archived bool `json:"archived"`
}

func (h *Handler) SetArchived(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	if err := h.app.SetArchived(r.Context(), application.ArchiveCommand{
		ConversationID: chi.URLParam(r, "conversationID"),
		UserID:         actor.UserID,
		BusinessID:     actor.BusinessID,
		Archived:       req.Archived,
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setStatusRequest struct {
	Status  domain.ConversationStatus `json:"status"`
	Unblock bool                      `json:"unblock"`
}

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	if err := h.app.SetStatus(r.Context(), application.SetStatusCommand{
		ConversationID: chi.URLParam(r, "conversationID"),
		ActorUserID:    actor.UserID,
		ActorBusiness:  actor.BusinessID,
		Status:         req.Status,
		Unblock:        req.Unblock,
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type participantRequest struct {
	UserID     string `json:"user_id"`
	BusinessID string `json:"business_id"`
}

func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	if err := h.app.AddParticipant(r.Context(), application.ParticipantCommand{
		ConversationID: chi.URLParam(r, "conversationID"),
		ActorUserID:    actor.UserID,
		ActorBusiness:  actor.BusinessID,
		Target:         domain.ParticipantKey{UserID: req.UserID, BusinessID: req.BusinessID},
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	target := domain.ParticipantKey{
		UserID:     r.URL.Query().Get("user_id"),
		BusinessID: r.URL.Query().Get("business_id"),
	}
	if target.UserID == "" || target.BusinessID == "" {
		writeError(w, fmt.Errorf("%w: missing target user_id or business_id", domain.ErrInvalidInput))
		return
	}

	if err := h.app.RemoveParticipant(r.Context(), application.ParticipantCommand{
		ConversationID: chi.URLParam(r, "conversationID"),
		ActorUserID:    actor.UserID,
		ActorBusiness:  actor.BusinessID,
		Target:         target,
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	count, err := h.app.UnreadCount(r.Context(), chi.URLParam(r, "conversationID"), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": count})
}

func (h *Handler) UnreadTotal(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	total, err := h.app.UnreadTotal(r.Context(), actor.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread_total": total})
}
