package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential is returned by Connect when no credential is available.
	// It is fatal to the connect attempt and never retried.
	ErrNoCredential = errors.New("no credential")
	// ErrCredentialExpired is returned when the session credential has expired.
	ErrCredentialExpired = errors.New("credential expired")
	// ErrTransportFailure wraps connection level failures.
	// These are recovered internally by reconnecting.
	ErrTransportFailure = errors.New("transport failure")
	// ErrNotConnected is returned when a frame is sent without a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrSendFailure is attached to a message that could not be sent.
	ErrSendFailure = errors.New("send failure")
	// ErrHistoryLoadFailure is returned by SelectChat when the history could not be loaded.
	// Selecting the chat again retries the load.
	ErrHistoryLoadFailure = errors.New("history load failure")
	// ErrDuplicateSubscription marks a registration that superseded a live one.
	// It is logged, never returned.
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	// ErrEmptyContent is returned when sending a blank message.
	ErrEmptyContent = errors.New("empty content")
	// ErrNoChatSelected is returned when sending to a chat that is not selected.
	ErrNoChatSelected = errors.New("no chat selected")
	// ErrNoParticipants is returned when creating a chat without participants.
	ErrNoParticipants = errors.New("no participants")
	// ErrSelectionSuperseded is returned by SelectChat when another chat was selected
	// before its history finished loading.
	ErrSelectionSuperseded = errors.New("selection superseded")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrMessageNotFound is returned when a retry or discard targets an unknown message.
	ErrMessageNotFound = errors.New("message not found")
)

// APIError is returned by HTTPChatAPI for non 2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}
