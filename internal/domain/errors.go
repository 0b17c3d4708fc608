package domain

import (
	"errors"
	"fmt"
)

// Error classes. Callers branch on these with errors.Is to decide
// retry vs. abort; the specific errors below wrap exactly one class.
var (
	ErrValidation         = errors.New("validation failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrTransientStorage   = errors.New("transient storage failure")
	ErrDeliveryAmbiguous  = errors.New("outcome ambiguous, re-read required")
)

var (
	ErrMessageTooLarge     = fmt.Errorf("%w: message content exceeds limit", ErrValidation)
	ErrNotParticipant      = fmt.Errorf("%w: sender is not a participant", ErrValidation)
	ErrReplyCrossConv      = fmt.Errorf("%w: reply references a message in another conversation", ErrValidation)
	ErrBlockedConversation = fmt.Errorf("%w: conversation is blocked", ErrValidation)
	ErrInvalidMessage      = fmt.Errorf("%w: invalid message", ErrValidation)
	ErrInvalidInput        = fmt.Errorf("%w: invalid input", ErrValidation)
	ErrInvalidQuote        = fmt.Errorf("%w: malformed quote payload", ErrValidation)

	ErrNotSender = fmt.Errorf("%w: only the original sender may edit", ErrUnauthorized)

	ErrMessageNotFound      = fmt.Errorf("%w: message", ErrNotFound)
	ErrMessageDeleted       = fmt.Errorf("%w: message is deleted", ErrNotFound)
	ErrConversationNotFound = fmt.Errorf("%w: conversation", ErrNotFound)

	ErrLastParticipant    = fmt.Errorf("%w: removal would leave too few participants", ErrInvariantViolation)
	ErrStatusTransition   = fmt.Errorf("%w: illegal status transition", ErrInvariantViolation)
	ErrConversationEmpty  = fmt.Errorf("%w: conversation has no participants", ErrInvariantViolation)
	ErrConversationExists = fmt.Errorf("%w: conversation already exists", ErrInvariantViolation)
)
