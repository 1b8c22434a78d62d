package queue_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"labqueue/internal/models"
)

func newTaskID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.New()
}

// recordingHandler wraps another handler and records every chunk it receives.
type recordingHandler struct {
	inner  models.TaskHandler
	mu     sync.Mutex
	chunks [][]string
}

func (h *recordingHandler) HandleChunk(ctx context.Context, targetRef string, chunk []string) ([]string, error) {
	h.mu.Lock()
	h.chunks = append(h.chunks, append([]string(nil), chunk...))
	h.mu.Unlock()
	return h.inner.HandleChunk(ctx, targetRef, chunk)
}

func (h *recordingHandler) recorded() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chunks
}

// gatedHandler blocks every invocation until released and signals the first
// one, so a test can act while a chunk is in flight.
type gatedHandler struct {
	inner   models.TaskHandler
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedHandler(inner models.TaskHandler) *gatedHandler {
	return &gatedHandler{
		inner:   inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *gatedHandler) HandleChunk(ctx context.Context, targetRef string, chunk []string) ([]string, error) {
	h.once.Do(func() { close(h.entered) })
	<-h.release
	return h.inner.HandleChunk(ctx, targetRef, chunk)
}

// failNTimesHandler fails its first n invocations, then delegates.
type failNTimesHandler struct {
	inner models.TaskHandler
	mu    sync.Mutex
	n     int
	err   error
}

func (h *failNTimesHandler) HandleChunk(ctx context.Context, targetRef string, chunk []string) ([]string, error) {
	h.mu.Lock()
	if h.n > 0 {
		h.n--
		h.mu.Unlock()
		return nil, h.err
	}
	h.mu.Unlock()
	return h.inner.HandleChunk(ctx, targetRef, chunk)
}
