package service

import (
	"fmt"
	"sync"
)

// role is the producer currently allowed to advance the checkpoint.
type role int

const (
	roleNone role = iota
	roleRealtime
	roleBackfill
)

func (r role) String() string {
	switch r {
	case roleRealtime:
		return "realtime"
	case roleBackfill:
		return "backfill"
	default:
		return "none"
	}
}

// roleGuard keeps real-time indexing and backfill from running at the same
// time. Both advance the same checkpoint.
type roleGuard struct {
	mu     sync.Mutex
	active role
}

func (g *roleGuard) acquire(r role) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != roleNone {
		return fmt.Errorf("%w: %s is running", ErrProducerActive, g.active)
	}
	g.active = r
	return nil
}

func (g *roleGuard) release(r role) {
	g.mu.Lock()
	if g.active == r {
		g.active = roleNone
	}
	g.mu.Unlock()
}

func (g *roleGuard) current() role {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
