// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/POSE200/Starpal/internal/api"
	"github.com/POSE200/Starpal/internal/model"
	"github.com/POSE200/Starpal/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// StoppedMarker is appended to the accumulated text when the user
	// stops a reply mid-stream.
	StoppedMarker = "\n\n[Stopped by user]"

	// interruptedAnnotation is appended when a stream fails after some
	// content already arrived. Partial progress is never discarded.
	interruptedAnnotation = "\n\n[The reply was interrupted by an error.]"

	// clearMemoryTimeout bounds the best-effort backend memory wipe that
	// accompanies a conversation delete.
	clearMemoryTimeout = 5 * time.Second
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrReplyInFlight indicates a reply is already streaming for the
	// conversation. The existing stream is left undisturbed.
	ErrReplyInFlight = errors.New("a reply is already streaming for this conversation")

	// ErrNotRegenerable indicates the message is not an AI reply directly
	// preceded by a user message.
	ErrNotRegenerable = errors.New("message cannot be regenerated")

	// ErrNotEditable indicates the message is not the most recently
	// answered user turn.
	ErrNotEditable = errors.New("message cannot be edited and resubmitted")
)

// StaleWriteError indicates the conversation changed shape between a
// stream starting and its commit: the target index no longer holds the
// expected placeholder. The write is dropped rather than applied to a
// possibly-wrong position.
type StaleWriteError struct {
	ConversationID string
	TargetIndex    int
}

// Error implements the error interface.
func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale stream commit for conversation %s at index %d",
		e.ConversationID, e.TargetIndex)
}

// Is allows matching with errors.Is(err, ErrStaleWrite).
func (e *StaleWriteError) Is(target error) bool {
	_, ok := target.(*StaleWriteError)
	return ok
}

// ErrStaleWrite matches any StaleWriteError via errors.Is.
var ErrStaleWrite error = &StaleWriteError{}

// =============================================================================
// NOTICES
// =============================================================================

// NoticeKind discriminates controller notifications.
type NoticeKind int

const (
	// NoticeRedraw asks the UI to re-render the conversation's live
	// overlay. Emitted only for the active conversation.
	NoticeRedraw NoticeKind = iota

	// NoticeFinished reports a reply committed to the store, whether it
	// completed normally or was stopped by the user.
	NoticeFinished

	// NoticeFailed reports a reply that ended in a failure state. The
	// failure is scoped to the one conversation, never global.
	NoticeFailed

	// NoticeConversations reports a change to conversation metadata
	// (title, unread, deletion) so list views can refresh.
	NoticeConversations
)

// Notice is a notification emitted by the Controller to the subscribed UI.
type Notice struct {
	Kind           NoticeKind
	ConversationID string
	Err            error // set for NoticeFailed
}

// =============================================================================
// STREAMER
// =============================================================================

// Streamer is the transport the Controller drives. *api.Client satisfies it.
type Streamer interface {
	Chat(ctx context.Context, req api.ChatRequest) (io.ReadCloser, error)
	ClearMemory(ctx context.Context, chatID string) error
}

// =============================================================================
// STREAM SESSION
// =============================================================================

// streamSession is the transient state of one in-flight reply. Owned
// exclusively by the Controller, never persisted, destroyed on completion,
// error, or cancellation.
type streamSession struct {
	conversationID string
	cancel         context.CancelFunc
	accumulated    string
	targetIndex    int
	cancelled      bool
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns the one-live-stream-per-conversation state machine.
type Controller struct {
	mu       sync.Mutex
	store    storage.Store
	streamer Streamer
	log      *slog.Logger

	live     map[string]*streamSession
	overlays map[string]Overlay
	activeID string
	notify   func(Notice)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for stream diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// NewController creates a Controller over the given store and transport.
func NewController(store storage.Store, streamer Streamer, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		streamer: streamer,
		log:      slog.Default(),
		live:     make(map[string]*streamSession),
		overlays: make(map[string]Overlay),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetNotify subscribes the UI notification callback. The callback must not
// call back into the Controller synchronously.
func (c *Controller) SetNotify(fn func(Notice)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// StartReply appends the user message plus an empty reply placeholder to
// the conversation, persists both, and opens the reply stream. Fails with
// ErrReplyInFlight if a stream is already live for this conversation.
func (c *Controller) StartReply(conversationID, userText string) error {
	c.mu.Lock()
	if _, ok := c.live[conversationID]; ok {
		c.mu.Unlock()
		return ErrReplyInFlight
	}

	history, err := c.store.Get(conversationID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	// A trailing placeholder means a previous reply never settled (the
	// process died mid-stream). It must not survive into the history this
	// reply builds on.
	history = model.TrimTrailingPlaceholder(history)
	firstMessage := len(history) == 0
	history = append(history, model.NewUserMessage(userText), model.NewAIPlaceholder())
	if err := c.store.Put(conversationID, history); err != nil {
		c.mu.Unlock()
		return err
	}
	if firstMessage {
		c.retitleLocked(conversationID, userText)
	}

	c.beginStreamLocked(conversationID, userText, len(history)-1)
	notify := c.notify
	c.mu.Unlock()

	emit(notify, Notice{Kind: NoticeRedraw, ConversationID: conversationID})
	emit(notify, Notice{Kind: NoticeConversations, ConversationID: conversationID})
	return nil
}

// Cancel stops the conversation's live stream, appends the stopped marker
// to whatever text accumulated, and commits that partial text as the final
// reply. Idempotent: a conversation with no live stream is a no-op.
func (c *Controller) Cancel(conversationID string) error {
	c.mu.Lock()
	sess, ok := c.live[conversationID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	sess.cancelled = true
	sess.cancel()
	delete(c.live, conversationID)
	delete(c.overlays, conversationID)

	err := c.commitLocked(conversationID, sess.targetIndex, sess.accumulated+StoppedMarker)
	notify := c.notify
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("cancel commit dropped", "conversation", conversationID, "error", err)
		emit(notify, Notice{Kind: NoticeFailed, ConversationID: conversationID, Err: err})
		return err
	}
	emit(notify, Notice{Kind: NoticeFinished, ConversationID: conversationID})
	return nil
}

// Regenerate removes the AI reply at aiIndex and streams a fresh reply to
// the user message immediately preceding it. Valid only when aiIndex holds
// an AI message directly preceded by a user message.
func (c *Controller) Regenerate(conversationID string, aiIndex int) error {
	c.mu.Lock()
	if _, ok := c.live[conversationID]; ok {
		c.mu.Unlock()
		return ErrReplyInFlight
	}

	history, err := c.store.Get(conversationID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if aiIndex <= 0 || aiIndex >= len(history) ||
		history[aiIndex].Role != model.RoleAI ||
		history[aiIndex-1].Role != model.RoleUser {
		c.mu.Unlock()
		return ErrNotRegenerable
	}

	prompt := history[aiIndex-1].Content
	history = append(history[:aiIndex], model.NewAIPlaceholder())
	if err := c.store.Put(conversationID, history); err != nil {
		c.mu.Unlock()
		return err
	}

	c.beginStreamLocked(conversationID, prompt, len(history)-1)
	notify := c.notify
	c.mu.Unlock()

	emit(notify, Notice{Kind: NoticeRedraw, ConversationID: conversationID})
	return nil
}

// EditAndResubmit replaces the user message at userIndex with newText,
// drops everything after it, and streams a fresh reply. Editing is
// restricted to the most recently answered user turn: the message directly
// after userIndex must be the AI reply that answered it.
func (c *Controller) EditAndResubmit(conversationID string, userIndex int, newText string) error {
	c.mu.Lock()
	if _, ok := c.live[conversationID]; ok {
		c.mu.Unlock()
		return ErrReplyInFlight
	}

	history, err := c.store.Get(conversationID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if userIndex < 0 || userIndex+1 >= len(history) ||
		history[userIndex].Role != model.RoleUser ||
		history[userIndex+1].Role != model.RoleAI {
		c.mu.Unlock()
		return ErrNotEditable
	}

	history = append(history[:userIndex],
		model.NewUserMessage(newText), model.NewAIPlaceholder())
	if err := c.store.Put(conversationID, history); err != nil {
		c.mu.Unlock()
		return err
	}
	if userIndex == 0 {
		c.retitleLocked(conversationID, newText)
	}

	c.beginStreamLocked(conversationID, newText, len(history)-1)
	notify := c.notify
	c.mu.Unlock()

	emit(notify, Notice{Kind: NoticeRedraw, ConversationID: conversationID})
	return nil
}

// Delete tears down any live stream without committing, removes the
// conversation from the store, and asks the backend to drop its memory for
// it. The memory wipe is best-effort: a failure is logged, not returned.
func (c *Controller) Delete(conversationID string) error {
	c.mu.Lock()
	if sess, ok := c.live[conversationID]; ok {
		sess.cancelled = true
		sess.cancel()
		delete(c.live, conversationID)
		delete(c.overlays, conversationID)
	}
	if c.activeID == conversationID {
		c.activeID = ""
	}
	notify := c.notify
	c.mu.Unlock()

	if err := c.store.Delete(conversationID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), clearMemoryTimeout)
	defer cancel()
	if err := c.streamer.ClearMemory(ctx, conversationID); err != nil {
		c.log.Warn("backend memory wipe failed", "conversation", conversationID, "error", err)
	}

	emit(notify, Notice{Kind: NoticeConversations, ConversationID: conversationID})
	return nil
}

// SetActive marks the conversation the UI is displaying. Only the active
// conversation receives delta redraw notices. Switching to a conversation
// clears its unread flag. An empty id means nothing is displayed.
func (c *Controller) SetActive(conversationID string) error {
	c.mu.Lock()
	c.activeID = conversationID
	notify := c.notify
	c.mu.Unlock()

	if conversationID != "" {
		if err := c.store.SetUnread(conversationID, false); err != nil &&
			!errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	emit(notify, Notice{Kind: NoticeConversations, ConversationID: conversationID})
	return nil
}

// ActiveID returns the currently displayed conversation id.
func (c *Controller) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// IsStreaming reports whether a reply is live for the conversation.
func (c *Controller) IsStreaming(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live[conversationID]
	return ok
}

// History returns the conversation's persisted history with the live
// overlay, if any, composed over it. The store is never mutated by a read.
func (c *Controller) History(conversationID string) ([]model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history, err := c.store.Get(conversationID)
	if err != nil {
		return nil, err
	}
	if ov, ok := c.overlays[conversationID]; ok {
		return ov.compose(history), nil
	}
	return history, nil
}

// =============================================================================
// STREAM LIFECYCLE
// =============================================================================

// beginStreamLocked registers the session and overlay and launches the
// stream goroutine. Caller holds c.mu, has persisted the placeholder, and
// has verified no live session exists.
func (c *Controller) beginStreamLocked(conversationID, prompt string, targetIndex int) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &streamSession{
		conversationID: conversationID,
		cancel:         cancel,
		targetIndex:    targetIndex,
	}
	c.live[conversationID] = sess
	c.overlays[conversationID] = Overlay{TargetIndex: targetIndex}
	go c.run(ctx, sess, prompt)
}

// run drives one reply stream to completion. Runs on its own goroutine;
// all state mutation goes through the handlers, which take c.mu.
func (c *Controller) run(ctx context.Context, sess *streamSession, prompt string) {
	// Releases the cancellation watcher below once the stream settles.
	defer sess.cancel()

	body, err := c.streamer.Chat(ctx, api.ChatRequest{
		Message: prompt,
		ChatID:  sess.conversationID,
	})
	if err != nil {
		c.finishWithError(sess, err)
		return
	}
	defer body.Close()

	// Closing the body when ctx is cancelled makes a blocked read return
	// promptly instead of waiting for the next chunk.
	go func() {
		<-ctx.Done()
		body.Close()
	}()

	dec := api.NewDecoder(body)
	for {
		ev := dec.Next()
		switch ev.Kind {
		case api.EventTextDelta:
			c.applyDelta(sess, ev.Text)
		case api.EventDecodeError:
			c.log.Warn("skipping malformed stream record",
				"conversation", sess.conversationID, "error", ev.Err)
		case api.EventEnd:
			c.finish(sess)
			return
		case api.EventStreamFailed:
			c.finishWithError(sess, ev.Err)
			return
		}
	}
}

// applyDelta appends a text fragment to the session and its overlay.
// Deltas for a session that was cancelled or replaced are dropped: the
// network may deliver already-buffered bytes after cancellation, and they
// must not re-activate the session.
func (c *Controller) applyDelta(sess *streamSession, text string) {
	c.mu.Lock()
	if c.live[sess.conversationID] != sess || sess.cancelled {
		c.mu.Unlock()
		return
	}
	sess.accumulated += text
	ov := c.overlays[sess.conversationID]
	ov.Text = sess.accumulated
	c.overlays[sess.conversationID] = ov

	active := c.activeID == sess.conversationID
	notify := c.notify
	c.mu.Unlock()

	// Redraws for non-displayed conversations are suppressed.
	if active {
		emit(notify, Notice{Kind: NoticeRedraw, ConversationID: sess.conversationID})
	}
}

// finish commits the accumulated text on normal stream end.
func (c *Controller) finish(sess *streamSession) {
	c.mu.Lock()
	if c.live[sess.conversationID] != sess || sess.cancelled {
		// Cancel or delete already settled this session.
		c.mu.Unlock()
		return
	}
	delete(c.live, sess.conversationID)
	delete(c.overlays, sess.conversationID)

	final := sess.accumulated
	if final == "" {
		// A clean end with zero deltas would persist an empty reply.
		final = api.FailureText
	}
	err := c.commitLocked(sess.conversationID, sess.targetIndex, final)
	background := c.activeID != sess.conversationID
	if err == nil && background {
		if uerr := c.store.SetUnread(sess.conversationID, true); uerr != nil {
			c.log.Warn("unread flag not set", "conversation", sess.conversationID, "error", uerr)
		}
	}
	notify := c.notify
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("stream commit dropped", "conversation", sess.conversationID, "error", err)
		emit(notify, Notice{Kind: NoticeFailed, ConversationID: sess.conversationID, Err: err})
		return
	}
	emit(notify, Notice{Kind: NoticeFinished, ConversationID: sess.conversationID})
	emit(notify, Notice{Kind: NoticeConversations, ConversationID: sess.conversationID})
}

// finishWithError commits the failure outcome. Partial progress is kept
// with an annotation appended; the failure text replaces the placeholder
// only when nothing at all arrived.
func (c *Controller) finishWithError(sess *streamSession, cause error) {
	c.mu.Lock()
	if c.live[sess.conversationID] != sess || sess.cancelled {
		c.mu.Unlock()
		return
	}
	delete(c.live, sess.conversationID)
	delete(c.overlays, sess.conversationID)

	final := api.FailureText
	if sess.accumulated != "" {
		final = sess.accumulated + interruptedAnnotation
	}
	err := c.commitLocked(sess.conversationID, sess.targetIndex, final)
	background := c.activeID != sess.conversationID
	if err == nil && background {
		if uerr := c.store.SetUnread(sess.conversationID, true); uerr != nil {
			c.log.Warn("unread flag not set", "conversation", sess.conversationID, "error", uerr)
		}
	}
	notify := c.notify
	c.mu.Unlock()

	c.log.Warn("reply stream failed", "conversation", sess.conversationID, "error", cause)
	if err != nil {
		c.log.Warn("failure commit dropped", "conversation", sess.conversationID, "error", err)
	}
	emit(notify, Notice{Kind: NoticeFailed, ConversationID: sess.conversationID, Err: cause})
	emit(notify, Notice{Kind: NoticeConversations, ConversationID: sess.conversationID})
}

// =============================================================================
// COMMIT
// =============================================================================

// commitLocked writes text into the conversation at targetIndex after
// revalidating that the index still holds the reply placeholder this
// session created. A mismatch means the history was mutated while the
// stream ran; the write is dropped rather than corrupting another message.
// Caller holds c.mu.
func (c *Controller) commitLocked(conversationID string, targetIndex int, text string) error {
	history, err := c.store.Get(conversationID)
	if err != nil {
		return err
	}
	if targetIndex != len(history)-1 || !history[targetIndex].IsPlaceholder() {
		return &StaleWriteError{ConversationID: conversationID, TargetIndex: targetIndex}
	}
	history[targetIndex].Content = text
	history[targetIndex].Time = time.Now()
	return c.store.Put(conversationID, history)
}

// retitleLocked names an untitled conversation after its first user
// message. Caller holds c.mu.
func (c *Controller) retitleLocked(conversationID, userText string) {
	convs, err := c.store.List()
	if err != nil {
		return
	}
	for _, conv := range convs {
		if conv.ID == conversationID && conv.IsUntitled() {
			if rerr := c.store.Rename(conversationID, model.TitleFor(userText)); rerr != nil {
				c.log.Warn("auto-title failed", "conversation", conversationID, "error", rerr)
			}
			return
		}
	}
}

func emit(notify func(Notice), n Notice) {
	if notify != nil {
		notify(n)
	}
}
