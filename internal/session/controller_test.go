// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/POSE200/Starpal/internal/api"
	"github.com/POSE200/Starpal/internal/model"
	"github.com/POSE200/Starpal/internal/storage"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

// scriptedStream is a response body the test feeds record by record.
type scriptedStream struct {
	ch     chan string
	closed chan struct{}
	once   sync.Once
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{
		ch:     make(chan string, 16),
		closed: make(chan struct{}),
	}
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	select {
	case chunk, ok := <-s.ch:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, chunk), nil
	case <-s.closed:
		return 0, errors.New("http: read on closed response body")
	}
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// delta feeds one well-formed reply record.
func (s *scriptedStream) delta(text string) {
	payload, _ := json.Marshal(map[string]string{"reply": text})
	s.ch <- "data: " + string(payload) + "\n\n"
}

// fail feeds a server error record.
func (s *scriptedStream) fail(message string) {
	payload, _ := json.Marshal(map[string]string{"error": message})
	s.ch <- "data: " + string(payload) + "\n\n"
}

// raw feeds arbitrary bytes.
func (s *scriptedStream) raw(data string) { s.ch <- data }

// end finishes the stream normally.
func (s *scriptedStream) end() { close(s.ch) }

// fakeStreamer hands out scripted streams and records every request.
type fakeStreamer struct {
	mu      sync.Mutex
	reqs    []api.ChatRequest
	cleared []string
	chatErr error
	started chan *scriptedStream
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{started: make(chan *scriptedStream, 4)}
}

func (f *fakeStreamer) Chat(ctx context.Context, req api.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	err := f.chatErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	st := newScriptedStream()
	f.started <- st
	return st, nil
}

func (f *fakeStreamer) ClearMemory(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, chatID)
	return nil
}

func (f *fakeStreamer) lastRequest() api.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeStreamer) clearedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleared...)
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	ctrl     *Controller
	store    storage.Store
	streamer *fakeStreamer
	notices  chan Notice
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	streamer := newFakeStreamer()
	ctrl := NewController(store, streamer)
	notices := make(chan Notice, 64)
	ctrl.SetNotify(func(n Notice) { notices <- n })

	return &harness{ctrl: ctrl, store: store, streamer: streamer, notices: notices}
}

// conv creates a conversation seeded with history.
func (h *harness) conv(t *testing.T, history ...model.Message) model.Conversation {
	t.Helper()
	conv, err := h.store.Create("")
	require.NoError(t, err)
	if len(history) > 0 {
		require.NoError(t, h.store.Put(conv.ID, history))
	}
	return conv
}

// stream waits for the next stream the controller opened.
func (h *harness) stream(t *testing.T) *scriptedStream {
	t.Helper()
	select {
	case st := <-h.streamer.started:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("no stream was started")
		return nil
	}
}

// wait blocks until a notice of the given kind arrives.
func (h *harness) wait(t *testing.T, kind NoticeKind) Notice {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-h.notices:
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("no notice of kind %d arrived", kind)
		}
	}
}

// history reads the persisted history, bypassing any overlay.
func (h *harness) history(t *testing.T, id string) []model.Message {
	t.Helper()
	msgs, err := h.store.Get(id)
	require.NoError(t, err)
	return msgs
}

// =============================================================================
// STREAMING LIFECYCLE
// =============================================================================

func TestReplyCommitsConcatenatedDeltas(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	st := h.stream(t)

	// Placeholder persisted before any delta arrives.
	msgs := h.history(t, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.True(t, msgs[1].IsPlaceholder())

	st.delta("hel")
	h.wait(t, NoticeRedraw)
	st.delta("lo")
	h.wait(t, NoticeRedraw)
	st.end()
	h.wait(t, NoticeFinished)

	msgs = h.history(t, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.False(t, h.ctrl.IsStreaming(conv.ID))

	// Overlay cleared: History now serves the store verbatim.
	composed, err := h.ctrl.History(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs, composed)
}

func TestStartReplyDropsStalePlaceholder(t *testing.T) {
	// A conversation whose last reply never settled (process died
	// mid-stream) carries an empty placeholder at the tail. The next
	// reply must not embed it in the middle of the history.
	h := newHarness(t)
	conv := h.conv(t, model.NewUserMessage("earlier question"), model.NewAIPlaceholder())
	require.NoError(t, h.ctrl.SetActive(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "new question"))
	st := h.stream(t)
	st.delta("answer")
	h.wait(t, NoticeRedraw)
	st.end()
	h.wait(t, NoticeFinished)

	msgs := h.history(t, conv.ID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "earlier question", msgs[0].Content)
	assert.Equal(t, "new question", msgs[1].Content)
	assert.Equal(t, "answer", msgs[2].Content)
	for i, msg := range msgs {
		assert.False(t, msg.IsPlaceholder(), "message %d is a stale placeholder", i)
	}
}

func TestEmptyStreamCommitsFailureText(t *testing.T) {
	// A stream that ends cleanly without producing a single delta must
	// not persist an empty reply.
	h := newHarness(t)
	conv := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	st := h.stream(t)
	st.end()
	h.wait(t, NoticeFinished)

	msgs := h.history(t, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, api.FailureText, msgs[1].Content)
	assert.False(t, msgs[1].IsPlaceholder())
}

func TestRecordSplitAcrossChunksThroughController(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	st := h.stream(t)

	st.raw("data: {\"reply\":\"he")
	st.raw("llo\"}\n\n")
	h.wait(t, NoticeRedraw)
	st.end()
	h.wait(t, NoticeFinished)

	msgs := h.history(t, conv.ID)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestMalformedRecordDoesNotStopStream(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	st := h.stream(t)

	st.delta("before ")
	h.wait(t, NoticeRedraw)
	st.raw("data: {garbled\n\n")
	st.delta("after")
	h.wait(t, NoticeRedraw)
	st.end()
	h.wait(t, NoticeFinished)

	msgs := h.history(t, conv.ID)
	assert.Equal(t, "before after", msgs[1].Content)
}

func TestSecondStartRejectedWithoutDisturbingFirst(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "first"))
	st := h.stream(t)

	err := h.ctrl.StartReply(conv.ID, "second")
	assert.ErrorIs(t, err, ErrReplyInFlight)

	// The rejected attempt appended nothing.
	assert.Len(t, h.history(t, conv.ID), 2)

	// The original stream still works end to end.
	st.delta("ok")
	h.wait(t, NoticeRedraw)
	st.end()
	h.wait(t, NoticeFinished)
	assert.Equal(t, "ok", h.history(t, conv.ID)[1].Content)
}

func TestStartReplyUnknownConversation(t *testing.T) {
	h := newHarness(t)
	err := h.ctrl.StartReply("conv_missing", "hi")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFirstMessageTitlesConversation(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)

	require.NoError(t, h.ctrl.StartReply(conv.ID, "what is the weather like"))
	h.stream(t).end()
	h.wait(t, NoticeFinished)

	convs, err := h.store.List()
	require.NoError(t, err)
	assert.Equal(t, "what is the weather like", convs[0].Title)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelKeepsPartialAndAppendsMarker(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	st := h.stream(t)
	// Consume the redraw StartReply itself emits so the next wait is the
	// delta's redraw, not the start-time one.
	h.wait(t, NoticeRedraw)
	st.delta("partial answer")
	h.wait(t, NoticeRedraw)

	require.NoError(t, h.ctrl.Cancel(conv.ID))
	h.wait(t, NoticeFinished)

	msgs := h.history(t, conv.ID)
	assert.Equal(t, "partial answer"+StoppedMarker, msgs[1].Content)
	assert.False(t, h.ctrl.IsStreaming(conv.ID))

	// Bytes still buffered in the transport must not revive the session.
	st.delta("late delta")
	st.end()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "partial answer"+StoppedMarker, h.history(t, conv.ID)[1].Content)
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)

	// No live stream at all.
	require.NoError(t, h.ctrl.Cancel(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	h.stream(t)
	require.NoError(t, h.ctrl.Cancel(conv.ID))
	require.NoError(t, h.ctrl.Cancel(conv.ID))
}

// =============================================================================
// FAILURE HANDLING
// =============================================================================

func TestServerErrorPreservesPartialProgress(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	st := h.stream(t)
	st.delta("half an answer")
	h.wait(t, NoticeRedraw)
	st.fail("model overloaded")

	n := h.wait(t, NoticeFailed)
	assert.Error(t, n.Err)

	msgs := h.history(t, conv.ID)
	assert.Equal(t, "half an answer"+interruptedAnnotation, msgs[1].Content)
}

func TestServerErrorWithNoContentSubstitutesFailureText(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	h.stream(t).fail("boom")
	h.wait(t, NoticeFailed)

	msgs := h.history(t, conv.ID)
	assert.Equal(t, api.FailureText, msgs[1].Content)
}

func TestTransportErrorFillsPlaceholder(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)
	h.streamer.chatErr = &api.TransportError{Status: 503, Message: api.FailureText}

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	n := h.wait(t, NoticeFailed)
	assert.Error(t, n.Err)

	msgs := h.history(t, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, api.FailureText, msgs[1].Content)
	assert.False(t, h.ctrl.IsStreaming(conv.ID))
}

func TestStaleWriteIsDroppedNotApplied(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	st := h.stream(t)
	st.delta("doomed")
	h.wait(t, NoticeRedraw)

	// Mutate the history out from under the stream.
	require.NoError(t, h.store.Put(conv.ID, []model.Message{
		model.NewUserMessage("rewritten"),
	}))

	st.end()
	n := h.wait(t, NoticeFailed)
	assert.ErrorIs(t, n.Err, ErrStaleWrite)

	// The rewritten history was not corrupted.
	msgs := h.history(t, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "rewritten", msgs[0].Content)
}

// =============================================================================
// OVERLAY AND ACTIVE CONVERSATION
// =============================================================================

func TestOverlayComposesWithoutMutatingStore(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(conv.ID))

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	st := h.stream(t)
	// Consume the redraw StartReply itself emits so the next wait is the
	// delta's redraw, not the start-time one.
	h.wait(t, NoticeRedraw)
	st.delta("in progress")
	h.wait(t, NoticeRedraw)

	composed, err := h.ctrl.History(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "in progress", composed[1].Content)

	// The store still holds the empty placeholder.
	assert.True(t, h.history(t, conv.ID)[1].IsPlaceholder())

	st.end()
	h.wait(t, NoticeFinished)
}

func TestSwitchAwayAndBackReproducesOverlay(t *testing.T) {
	h := newHarness(t)
	streaming := h.conv(t)
	other := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(streaming.ID))

	require.NoError(t, h.ctrl.StartReply(streaming.ID, "hi"))
	st := h.stream(t)
	st.delta("kept across switches")
	h.wait(t, NoticeRedraw)

	require.NoError(t, h.ctrl.SetActive(other.ID))
	require.NoError(t, h.ctrl.SetActive(streaming.ID))

	composed, err := h.ctrl.History(streaming.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept across switches", composed[1].Content)

	st.end()
	h.wait(t, NoticeFinished)
}

func TestDeltasForBackgroundConversationSuppressRedraw(t *testing.T) {
	h := newHarness(t)
	streaming := h.conv(t)
	other := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(other.ID))

	require.NoError(t, h.ctrl.StartReply(streaming.ID, "hi"))
	st := h.stream(t)
	st.delta("quiet")
	st.end()
	h.wait(t, NoticeFinished)

	// Drain everything that arrived; none of it may be a redraw.
	for {
		select {
		case n := <-h.notices:
			assert.NotEqual(t, NoticeRedraw, n.Kind)
		default:
			return
		}
	}
}

func TestBackgroundCompletionMarksUnread(t *testing.T) {
	h := newHarness(t)
	streaming := h.conv(t)
	other := h.conv(t)
	require.NoError(t, h.ctrl.SetActive(other.ID))

	require.NoError(t, h.ctrl.StartReply(streaming.ID, "hi"))
	st := h.stream(t)
	st.delta("done in background")
	st.end()
	h.wait(t, NoticeFinished)

	unread := func(id string) bool {
		convs, err := h.store.List()
		require.NoError(t, err)
		for _, c := range convs {
			if c.ID == id {
				return c.Unread
			}
		}
		t.Fatalf("conversation %s not listed", id)
		return false
	}
	assert.True(t, unread(streaming.ID))

	// Switching to it clears the flag.
	require.NoError(t, h.ctrl.SetActive(streaming.ID))
	assert.False(t, unread(streaming.ID))
}

// =============================================================================
// REGENERATE AND EDIT
// =============================================================================

func TestRegenerateReplacesReply(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t,
		model.NewUserMessage("hi"),
		model.Message{Role: model.RoleAI, Content: "hello", Time: time.Now()},
	)

	require.NoError(t, h.ctrl.Regenerate(conv.ID, 1))

	// Old reply gone, fresh placeholder in its place.
	msgs := h.history(t, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.True(t, msgs[1].IsPlaceholder())

	// The new request repeats the preceding user message. Receiving the
	// stream first synchronizes with the Chat call that records it.
	st := h.stream(t)
	assert.Equal(t, "hi", h.streamer.lastRequest().Message)

	st.delta("hello again")
	st.end()
	h.wait(t, NoticeFinished)
	assert.Equal(t, "hello again", h.history(t, conv.ID)[1].Content)
}

func TestRegenerateRejectsInvalidTargets(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t,
		model.NewUserMessage("hi"),
		model.Message{Role: model.RoleAI, Content: "hello", Time: time.Now()},
	)

	assert.ErrorIs(t, h.ctrl.Regenerate(conv.ID, 0), ErrNotRegenerable)
	assert.ErrorIs(t, h.ctrl.Regenerate(conv.ID, 5), ErrNotRegenerable)
	assert.ErrorIs(t, h.ctrl.Regenerate(conv.ID, -1), ErrNotRegenerable)
}

func TestEditAndResubmitTruncatesDownstream(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t,
		model.NewUserMessage("a"),
		model.Message{Role: model.RoleAI, Content: "b", Time: time.Now()},
	)

	require.NoError(t, h.ctrl.EditAndResubmit(conv.ID, 0, "c"))

	msgs := h.history(t, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c", msgs[0].Content)
	assert.True(t, msgs[1].IsPlaceholder())

	// Receiving the stream first synchronizes with the Chat call that
	// records the request.
	st := h.stream(t)
	assert.Equal(t, "c", h.streamer.lastRequest().Message)

	st.delta("reply to c")
	st.end()
	h.wait(t, NoticeFinished)
	assert.Equal(t, "reply to c", h.history(t, conv.ID)[1].Content)
}

func TestEditRestrictedToAnsweredTurn(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t,
		model.NewUserMessage("a"),
		model.Message{Role: model.RoleAI, Content: "b", Time: time.Now()},
		model.NewUserMessage("unanswered"),
	)

	// The trailing user message has no reply after it.
	assert.ErrorIs(t, h.ctrl.EditAndResubmit(conv.ID, 2, "x"), ErrNotEditable)
	// An AI message is not editable.
	assert.ErrorIs(t, h.ctrl.EditAndResubmit(conv.ID, 1, "x"), ErrNotEditable)
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeleteTearsDownStreamAndClearsBackendMemory(t *testing.T) {
	h := newHarness(t)
	conv := h.conv(t)

	require.NoError(t, h.ctrl.StartReply(conv.ID, "hi"))
	st := h.stream(t)
	st.delta("never committed")

	require.NoError(t, h.ctrl.Delete(conv.ID))

	_, err := h.store.Get(conv.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, h.ctrl.IsStreaming(conv.ID))
	assert.Contains(t, h.streamer.clearedIDs(), conv.ID)
}
