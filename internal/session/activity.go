package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

const (
	defaultActivityFlushInterval = 2 * time.Second
	defaultMaxActivityBatch      = 200
)

// ActivityBatcher coalesces lastActivityAt updates per session and writes
// them in a single transaction instead of one UPDATE per agent event. The
// reaper only needs second-ish precision.
type ActivityBatcher struct {
	mu       sync.Mutex
	pending  map[string]time.Time
	repo     *Repository
	logger   *logger.Logger
	interval time.Duration
	maxBatch int
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewActivityBatcher creates a batcher backed by the session repository.
func NewActivityBatcher(repo *Repository, log *logger.Logger) *ActivityBatcher {
	return &ActivityBatcher{
		pending:  make(map[string]time.Time),
		repo:     repo,
		logger:   log.WithFields(zap.String("component", "activity-batcher")),
		interval: defaultActivityFlushInterval,
		maxBatch: defaultMaxActivityBatch,
	}
}

// Start begins the periodic flush goroutine.
func (b *ActivityBatcher) Start() {
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.flushLoop()
}

// Stop flushes remaining updates and stops the flush goroutine.
func (b *ActivityBatcher) Stop() {
	close(b.done)
	b.wg.Wait()
	b.flush(context.Background())
}

// Touch records activity for a session. The newest timestamp wins.
func (b *ActivityBatcher) Touch(sessionID string) {
	now := time.Now().UTC()

	b.mu.Lock()
	b.pending[sessionID] = now
	shouldFlush := len(b.pending) >= b.maxBatch
	b.mu.Unlock()

	if shouldFlush {
		b.flush(context.Background())
	}
}

func (b *ActivityBatcher) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.flush(context.Background())
		}
	}
}

func (b *ActivityBatcher) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[string]time.Time)
	b.mu.Unlock()

	if err := b.repo.TouchActivity(ctx, batch); err != nil {
		b.logger.Error("failed to flush activity updates",
			zap.Int("count", len(batch)),
			zap.Error(err))
	}
}
