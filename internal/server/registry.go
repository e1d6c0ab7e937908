// Package server tracks live chat sessions and fans chat messages out to them
// through the Registry type.
package server

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrDuplicateSession is returned by Add when the session is already registered.
var ErrDuplicateSession = errors.New("session already registered")

// Registry is the set of live sessions. It is created once per Server and
// shared by every session loop. The mutex is held only while the set is read
// or mutated, never across network writes.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}

	logger  *slog.Logger
	metrics *Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Registry{
		sessions: make(map[*Session]struct{}),
		logger:   logger,
		metrics:  metrics,
	}
}

// Add inserts s. It fails with ErrDuplicateSession if s is already present.
func (r *Registry) Add(s *Session) error {
	if s == nil {
		return errors.New("registry: nil session")
	}

	r.mu.Lock()
	if _, exists := r.sessions[s]; exists {
		r.mu.Unlock()
		return ErrDuplicateSession
	}
	r.sessions[s] = struct{}{}
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Debug("session registered", "session", s.ID(), "addr", s.RemoteAddr(), "sessions", count)
	return nil
}

// Remove deletes s and reports whether it was present. Removing an absent
// session is a no-op.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	_, exists := r.sessions[s]
	if exists {
		delete(r.sessions, s)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if exists {
		r.logger.Debug("session unregistered", "session", s.ID(), "addr", s.RemoteAddr(), "sessions", count)
	}
	return exists
}

// contains reports whether s is registered.
func (r *Registry) contains(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.sessions[s]
	return exists
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// snapshot copies the membership, leaving out exclude.
func (r *Registry) snapshot(exclude *Session) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		if s == exclude {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// Broadcast delivers payload to every registered session except sender and
// returns the number of successful deliveries. Recipients that are already
// closed or whose write fails are removed and closed; the remaining recipients
// still receive the payload. Failures are never reported to the caller.
func (r *Registry) Broadcast(sender *Session, payload []byte) int {
	recipients := r.snapshot(sender)
	if len(recipients) == 0 {
		return 0
	}

	// Each recipient gets its own goroutine so one peer stalled up to its write
	// deadline does not delay the others.
	errs := make([]error, len(recipients))
	var wg sync.WaitGroup
	for i, peer := range recipients {
		if peer.Closed() {
			errs[i] = ErrConnectionClosed
			continue
		}
		wg.Add(1)
		go func(i int, peer *Session) {
			defer wg.Done()
			errs[i] = peer.deliver(payload)
		}(i, peer)
	}
	wg.Wait()

	var failed []*Session
	delivered := 0
	for i, err := range errs {
		if err != nil {
			r.logger.Debug("broadcast delivery failed", "session", recipients[i].ID(), "err", err)
			failed = append(failed, recipients[i])
			continue
		}
		delivered++
	}

	r.metrics.Deliveries.Add(int64(delivered))
	r.removeFailed(failed)
	return delivered
}

// removeFailed drops dead recipients in one locked pass, then closes them
// outside the lock.
func (r *Registry) removeFailed(failed []*Session) {
	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	removed := make([]*Session, 0, len(failed))
	for _, s := range failed {
		if _, exists := r.sessions[s]; exists {
			delete(r.sessions, s)
			removed = append(removed, s)
		}
	}
	r.mu.Unlock()

	for _, s := range removed {
		r.metrics.DroppedPeers.Add(1)
		r.logger.Info("session removed after failed delivery", "session", s.ID(), "addr", s.RemoteAddr())
		s.closeConn()
	}
}

// CloseAll closes every registered session's connection and returns how many
// were closed. Each session's loop then exits and unregisters itself.
func (r *Registry) CloseAll() int {
	sessions := r.snapshot(nil)
	for _, s := range sessions {
		s.closeConn()
	}
	r.logger.Info("closed session connections", "count", len(sessions))
	return len(sessions)
}
