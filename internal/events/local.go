// Package events distributes alert lifecycle events, either in process or
// across instances over NATS.
package events

import (
	"context"
	"sync"

	"roadside-backend/internal/models"
)

// Handler receives published events. Handlers must not block.
type Handler func(models.AlertEvent)

// Local fans events out to in-process subscribers. It is used when no
// broker is configured.
type Local struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

func (l *Local) Publish(_ context.Context, event models.AlertEvent) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, h := range l.handlers {
		h(event)
	}
	return nil
}
