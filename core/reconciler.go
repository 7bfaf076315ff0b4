package core

import (
	"slices"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultCorrelationWindow = 10 * time.Second
	DefaultReorderThreshold  = 2 * time.Second
	DefaultPendingTimeout    = 30 * time.Second
)

// ApplyResult reports what ApplyIncoming did with a message.
type ApplyResult struct {
	// Applied is false when the message was a re-delivery of a confirmed message.
	Applied bool
	// ReplacedOptimisticID is the temporary id of the pending message that the
	// incoming message confirmed, if any.
	ReplacedOptimisticID string
}

type entry struct {
	msg Message
	// localAt is when a local message was created or last retried.
	localAt time.Time
}

type timeline struct {
	entries   []*entry
	confirmed map[string]struct{}
	loaded    bool
}

// Reconciler merges optimistic local messages with server confirmed ones, per chat.
//
// Correlation of an incoming message to a pending one is tried in order:
// client message id, then content and sender of a pending message created
// within the correlation window. The earliest matching pending message wins.
//
// Reconciler is not safe for concurrent use. The session owns it and only
// touches it from its event loop.
type Reconciler struct {
	chats   map[string]*timeline
	clock   clock.Clock
	metrics *Metrics

	window  time.Duration
	reorder time.Duration
	timeout time.Duration
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerClock(c clock.Clock) ReconcilerOption {
	return func(r *Reconciler) {
		r.clock = c
	}
}

// WithCorrelationWindow sets how long after creation a pending message can be
// matched by content and sender.
func WithCorrelationWindow(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.window = d
	}
}

// WithReorderThreshold sets how far a server timestamp may differ from the local one
// before a confirmed message moves to its authoritative position.
func WithReorderThreshold(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.reorder = d
	}
}

// WithPendingTimeout sets how long a message may stay pending before it is marked failed.
func WithPendingTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.timeout = d
	}
}

func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func NewReconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		chats:   make(map[string]*timeline),
		clock:   clock.New(),
		window:  DefaultCorrelationWindow,
		reorder: DefaultReorderThreshold,
		timeout: DefaultPendingTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) timeline(chatID string) *timeline {
	tl, ok := r.chats[chatID]
	if !ok {
		tl = &timeline{confirmed: make(map[string]struct{})}
		r.chats[chatID] = tl
	}
	return tl
}

// AppendOptimistic inserts a locally created message as pending.
// A message without a client id uses its id as the client id.
// It returns false if a message with the same client id is already present.
func (r *Reconciler) AppendOptimistic(chatID string, m Message) bool {
	if m.ClientID == "" {
		m.ClientID = m.ID
	}
	tl := r.timeline(chatID)
	if tl.indexClient(m.ClientID) >= 0 {
		return false
	}
	now := r.clock.Now()
	m.ChatID = chatID
	m.DeliveryState = DeliveryPending
	if m.SentAt.IsZero() {
		m.SentAt = now
	}
	tl.insert(&entry{msg: m, localAt: now})
	return true
}

// ApplyIncoming merges a server confirmed message into the chat.
func (r *Reconciler) ApplyIncoming(chatID string, m Message) ApplyResult {
	m.ChatID = chatID
	m.DeliveryState = DeliveryConfirmed
	tl := r.timeline(chatID)

	if _, ok := tl.confirmed[m.ID]; ok && m.ID != "" {
		r.metrics.reconcile(outcomeDuplicate)
		return ApplyResult{}
	}

	idx := -1
	if m.ClientID != "" {
		idx = tl.indexClient(m.ClientID)
	}
	if idx < 0 {
		idx = r.correlate(tl, m)
	}
	if idx < 0 {
		tl.insert(&entry{msg: m})
		tl.confirm(m.ID)
		r.metrics.reconcile(outcomeAppended)
		return ApplyResult{Applied: true}
	}

	replaced := r.replace(tl, idx, m)
	r.metrics.reconcile(outcomeReplaced)
	return ApplyResult{Applied: true, ReplacedOptimisticID: replaced}
}

// ConfirmOptimistic confirms the pending message with the given client id using the
// message returned by a send call. If the server message was already delivered
// through the inbox, the pending copy is removed instead.
func (r *Reconciler) ConfirmOptimistic(chatID, clientID string, m Message) ApplyResult {
	tl := r.timeline(chatID)
	if _, ok := tl.confirmed[m.ID]; ok && m.ID != "" {
		if i := tl.indexClient(clientID); i >= 0 && !tl.entries[i].msg.Confirmed() {
			removed := tl.entries[i].msg.ID
			tl.entries = slices.Delete(tl.entries, i, i+1)
			r.metrics.reconcile(outcomeDuplicate)
			return ApplyResult{ReplacedOptimisticID: removed}
		}
		r.metrics.reconcile(outcomeDuplicate)
		return ApplyResult{}
	}
	m.ClientID = clientID
	return r.ApplyIncoming(chatID, m)
}

// correlate finds the earliest pending message with the same content and sender
// created within the correlation window.
func (r *Reconciler) correlate(tl *timeline, m Message) int {
	now := r.clock.Now()
	for i, e := range tl.entries {
		if e.msg.DeliveryState != DeliveryPending {
			continue
		}
		if e.msg.Content != m.Content || e.msg.SenderID != m.SenderID {
			continue
		}
		if now.Sub(e.localAt) > r.window {
			continue
		}
		return i
	}
	return -1
}

// replace confirms the entry at idx with m. The entry keeps its position unless the
// server timestamp differs by more than the reorder threshold or keeping it would
// break the ordering of confirmed messages.
func (r *Reconciler) replace(tl *timeline, idx int, m Message) string {
	old := tl.entries[idx]
	if m.ClientID == "" {
		m.ClientID = old.msg.ClientID
	}
	if m.SentAt.IsZero() {
		m.SentAt = old.msg.SentAt
	}
	e := &entry{msg: m, localAt: old.localAt}
	tl.confirm(m.ID)

	drift := m.SentAt.Sub(old.msg.SentAt).Abs()
	if drift <= r.reorder && tl.fitsAt(idx, m.SentAt) {
		tl.entries[idx] = e
		return old.msg.ID
	}
	tl.entries = slices.Delete(tl.entries, idx, idx+1)
	tl.insert(e)
	return old.msg.ID
}

// MarkFailed marks the pending message with the given client id as failed.
func (r *Reconciler) MarkFailed(chatID, clientID string) (Message, bool) {
	tl, ok := r.chats[chatID]
	if !ok {
		return Message{}, false
	}
	i := tl.indexClient(clientID)
	if i < 0 || tl.entries[i].msg.DeliveryState != DeliveryPending {
		return Message{}, false
	}
	tl.entries[i].msg.DeliveryState = DeliveryFailed
	r.metrics.messageFailed()
	return tl.entries[i].msg, true
}

// ExpirePending marks every message pending for longer than the pending timeout as failed
// and returns them.
func (r *Reconciler) ExpirePending() []Message {
	now := r.clock.Now()
	var expired []Message
	for _, tl := range r.chats {
		for _, e := range tl.entries {
			if e.msg.DeliveryState != DeliveryPending || now.Sub(e.localAt) < r.timeout {
				continue
			}
			e.msg.DeliveryState = DeliveryFailed
			r.metrics.messageFailed()
			expired = append(expired, e.msg)
		}
	}
	return expired
}

// Retry moves a failed message back to pending with a fresh timestamp, at the tail.
func (r *Reconciler) Retry(chatID, clientID string) (Message, error) {
	tl, ok := r.chats[chatID]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	i := tl.indexClient(clientID)
	if i < 0 || tl.entries[i].msg.DeliveryState != DeliveryFailed {
		return Message{}, ErrMessageNotFound
	}
	e := tl.entries[i]
	tl.entries = slices.Delete(tl.entries, i, i+1)

	now := r.clock.Now()
	e.msg.DeliveryState = DeliveryPending
	e.msg.SentAt = now
	e.localAt = now
	tl.insert(e)
	return e.msg, nil
}

// Discard removes a failed message.
func (r *Reconciler) Discard(chatID, clientID string) (Message, error) {
	tl, ok := r.chats[chatID]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	i := tl.indexClient(clientID)
	if i < 0 || tl.entries[i].msg.DeliveryState != DeliveryFailed {
		return Message{}, ErrMessageNotFound
	}
	m := tl.entries[i].msg
	tl.entries = slices.Delete(tl.entries, i, i+1)
	return m, nil
}

// Load merges a page of history into the chat and marks it loaded.
// Already confirmed messages are skipped; local pending and failed messages are kept.
func (r *Reconciler) Load(chatID string, history []Message) {
	for _, m := range history {
		r.ApplyIncoming(chatID, m)
	}
	r.timeline(chatID).loaded = true
}

// Loaded reports whether the history of the chat has been loaded.
func (r *Reconciler) Loaded(chatID string) bool {
	tl, ok := r.chats[chatID]
	return ok && tl.loaded
}

// Invalidate marks every chat as not loaded so its history is fetched again on
// the next selection. Messages already known are kept.
func (r *Reconciler) Invalidate() {
	for _, tl := range r.chats {
		tl.loaded = false
	}
}

// GetOrdered returns the messages of the chat ordered by sentAt, ties in arrival order.
func (r *Reconciler) GetOrdered(chatID string) []Message {
	tl, ok := r.chats[chatID]
	if !ok {
		return nil
	}
	msgs := make([]Message, 0, len(tl.entries))
	for _, e := range tl.entries {
		msgs = append(msgs, e.msg)
	}
	return msgs
}

// Last returns the most recent message of the chat that is not failed.
func (r *Reconciler) Last(chatID string) (Message, bool) {
	tl, ok := r.chats[chatID]
	if !ok {
		return Message{}, false
	}
	for i := len(tl.entries) - 1; i >= 0; i-- {
		if tl.entries[i].msg.DeliveryState != DeliveryFailed {
			return tl.entries[i].msg, true
		}
	}
	return Message{}, false
}

// Find returns the message with the given client id.
func (r *Reconciler) Find(chatID, clientID string) (Message, bool) {
	tl, ok := r.chats[chatID]
	if !ok {
		return Message{}, false
	}
	i := tl.indexClient(clientID)
	if i < 0 {
		return Message{}, false
	}
	return tl.entries[i].msg, true
}

func (tl *timeline) confirm(id string) {
	if id != "" {
		tl.confirmed[id] = struct{}{}
	}
}

func (tl *timeline) indexClient(clientID string) int {
	if clientID == "" {
		return -1
	}
	return slices.IndexFunc(tl.entries, func(e *entry) bool {
		return e.msg.ClientID == clientID
	})
}

// insert places e after every entry with sentAt not after its own.
func (tl *timeline) insert(e *entry) {
	i := len(tl.entries)
	for i > 0 && tl.entries[i-1].msg.SentAt.After(e.msg.SentAt) {
		i--
	}
	tl.entries = slices.Insert(tl.entries, i, e)
}

// fitsAt reports whether a confirmed message with sentAt t can sit at idx without
// breaking the order of the confirmed messages around it.
func (tl *timeline) fitsAt(idx int, t time.Time) bool {
	for i := idx - 1; i >= 0; i-- {
		if tl.entries[i].msg.Confirmed() {
			if tl.entries[i].msg.SentAt.After(t) {
				return false
			}
			break
		}
	}
	for i := idx + 1; i < len(tl.entries); i++ {
		if tl.entries[i].msg.Confirmed() {
			if tl.entries[i].msg.SentAt.Before(t) {
				return false
			}
			break
		}
	}
	return true
}
