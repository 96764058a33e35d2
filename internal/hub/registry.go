package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/journal"
	"github.com/relaydev/relay/internal/session"
)

// Registry owns the per-session hubs and tears them down when a session is
// archived or deleted.
type Registry struct {
	journal  journal.Journal
	sessions *session.Service
	attacher Attacher
	logger   *logger.Logger

	mu   sync.Mutex
	hubs map[string]*Hub

	subs []bus.Subscription
}

// NewRegistry creates the hub registry and subscribes to session teardown
// notifications.
func NewRegistry(j journal.Journal, sessions *session.Service, attacher Attacher, eventBus bus.EventBus, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		journal:  j,
		sessions: sessions,
		attacher: attacher,
		logger:   log.WithFields(zap.String("component", "hub-registry")),
		hubs:     make(map[string]*Hub),
	}

	for _, subject := range []string{bus.SubjectSessionArchived, bus.SubjectSessionDeleted} {
		sub, err := eventBus.Subscribe(subject, r.onSessionGone)
		if err != nil {
			return nil, err
		}
		r.subs = append(r.subs, sub)
	}
	return r, nil
}

// Get returns the session's hub, creating it on first use.
func (r *Registry) Get(sessionID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[sessionID]
	if !ok {
		h = New(sessionID, r.journal, r.sessions, r.attacher, r.logger)
		r.hubs[sessionID] = h
	}
	return h
}

// Peek returns the hub if one exists, without creating it.
func (r *Registry) Peek(sessionID string) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[sessionID]
	return h, ok
}

func (r *Registry) onSessionGone(_ context.Context, event *bus.Event) error {
	sessionID, _ := event.Data["session_id"].(string)
	if sessionID == "" {
		return nil
	}

	r.mu.Lock()
	h, ok := r.hubs[sessionID]
	delete(r.hubs, sessionID)
	r.mu.Unlock()

	if ok {
		r.logger.Info("closing hub",
			zap.String("session_id", sessionID),
			zap.String("reason", event.Type))
		h.Close()
	}
	return nil
}

// Shutdown closes every hub and drops the bus subscriptions.
func (r *Registry) Shutdown() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}

	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.hubs = make(map[string]*Hub)
	r.mu.Unlock()

	for _, h := range hubs {
		h.Close()
	}
}
