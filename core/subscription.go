package core

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// InboxDestinationPattern is the per-user destination carrying every message
// addressed to the user.
const InboxDestinationPattern = "/user/{userId}/queue/messages"

func InboxDestination(userID string) string {
	return strings.Replace(InboxDestinationPattern, "{userId}", userID, 1)
}

// Subscriber is the part of Transport used by SubscriptionRegistry.
type Subscriber interface {
	Subscribe(destination string, handler FrameHandler) (SubscriptionHandle, error)
}

// SubscriptionRegistry tracks the logical subscriptions of a session.
// Replay after a reconnect is done by the transport, so handlers registered here
// keep receiving messages across reconnects.
type SubscriptionRegistry struct {
	subscriber Subscriber
	logger     *slog.Logger
	// location is the zone of timestamps the server sends without one.
	location *time.Location

	mu    sync.Mutex
	inbox SubscriptionHandle
}

// NewSubscriptionRegistry creates a registry on subscriber. Zone-less timestamps in
// inbox messages are read in loc; a nil loc means UTC.
func NewSubscriptionRegistry(subscriber Subscriber, logger *slog.Logger, loc *time.Location) *SubscriptionRegistry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &SubscriptionRegistry{subscriber: subscriber, logger: logger, location: loc}
}

// RegisterInboxSubscription subscribes onMessage to the inbox of userID.
// A previous inbox subscription is replaced, never stacked.
// Frames that cannot be decoded are logged and dropped.
func (r *SubscriptionRegistry) RegisterInboxSubscription(userID string, onMessage func(InboundMessage)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inbox != nil {
		r.logger.Debug(ErrDuplicateSubscription.Error(), slog.String("destination", r.inbox.Destination()))
		if err := r.inbox.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribing superseded inbox", slog.Any("error", err))
		}
		r.inbox = nil
	}

	destination := InboxDestination(userID)
	handle, err := r.subscriber.Subscribe(destination, func(f *frame.Frame) {
		in, err := DecodeMessageEvent(f.Body, r.location)
		if err != nil {
			r.logger.Error("dropping inbox frame", slog.String("destination", destination), slog.Any("error", err))
			return
		}
		onMessage(in)
	})
	if err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	r.inbox = handle
	return nil
}

// UnregisterAll removes every subscription held by the registry.
func (r *SubscriptionRegistry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inbox == nil {
		return
	}
	if err := r.inbox.Unsubscribe(); err != nil {
		r.logger.Warn("unsubscribing inbox", slog.Any("error", err))
	}
	r.inbox = nil
}

// Inbox returns the active inbox subscription, if any.
func (r *SubscriptionRegistry) Inbox() (SubscriptionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inbox, r.inbox != nil
}
