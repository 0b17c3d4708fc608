package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/bizlink/messaging/internal/domain"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"nil", nil, http.StatusOK},
		{"message not found", domain.ErrMessageNotFound, http.StatusNotFound},
		{"conversation not found", domain.ErrConversationNotFound, http.StatusNotFound},
		{"not participant", domain.ErrNotParticipant, http.StatusBadRequest},
		{"not sender", domain.ErrNotSender, http.StatusForbidden},
		{"too large", domain.ErrMessageTooLarge, http.StatusBadRequest},
		{"blocked", domain.ErrBlockedConversation, http.StatusBadRequest},
		{"cross-conversation reply", domain.ErrReplyCrossConv, http.StatusBadRequest},
		{"last participant", domain.ErrLastParticipant, http.StatusConflict},
		{"status transition", domain.ErrStatusTransition, http.StatusConflict},
		{"transient storage", domain.ErrTransientStorage, http.StatusServiceUnavailable},
		{"ambiguous outcome", domain.ErrDeliveryAmbiguous, http.StatusServiceUnavailable},
		{"wrapped", fmt.Errorf("context: %w", domain.ErrMessageNotFound), http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapError(tt.err); got != tt.wantCode {
				t.Errorf("MapError(%v) = %d, want %d", tt.err, got, tt.wantCode)
			}
		})
	}
}
