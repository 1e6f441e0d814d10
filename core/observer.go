package core

import (
	"context"
	"log"
	"sync"
)

// Current returns the identity of the gateway's locally cached session, or nil.
// The cache may be stale relative to server-side revocation.
func (s *AuthService) Current() *Identity {
	return NewIdentity(s.gateway.CurrentSession(), NameHints{})
}

// Observe streams the current identity (nil when signed out) on every session
// change, in the order the gateway raises them. The channel is closed and the
// gateway listener removed once ctx is done.
//
// Every non-nil emission also starts a detached token liveness check; see Wait.
func (s *AuthService) Observe(ctx context.Context) <-chan *Identity {
	out := make(chan *Identity)
	queue := newIdentityQueue()

	handle := s.gateway.OnSessionChange(func(user *NativeUser) {
		if !queue.push(NewIdentity(user, NameHints{})) {
			// detached
			return
		}
		if user != nil {
			s.validateSession(user)
		}
	})

	go func() {
		defer close(out)
		defer s.gateway.RemoveSessionListener(handle)
		defer queue.close()

		for {
			identity, ok := queue.pop(ctx)
			if !ok {
				return
			}
			select {
			case out <- identity:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Wait blocks until all in-flight liveness checks have finished.
func (s *AuthService) Wait() {
	s.liveness.Wait()
}

// validateSession forces a token refresh against the backend off the emission
// path. The cached session survives server-side deletion, so an expired token
// or a missing user signs the session out.
func (s *AuthService) validateSession(user *NativeUser) {
	s.liveness.Add(1)
	go func() {
		defer s.liveness.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.livenessTimeout())
		defer cancel()

		_, err := s.gateway.RefreshToken(ctx, user, true)
		if err == nil {
			return
		}

		kind := ErrorKindOf(err)
		if kind != KindTokenExpired && kind != KindUserNotFound {
			log.Printf("liveness check for user %s failed, keeping session: %v", user.UID, err)
			return
		}

		// The session may have moved on to another user since the check started.
		current := s.gateway.CurrentSession()
		if current == nil || current.UID != user.UID {
			log.Printf("liveness check for user %s failed (%s) but session changed, not signing out", user.UID, kind)
			return
		}

		log.Printf("liveness check for user %s failed (%s), signing out", user.UID, kind)
		if err := s.gateway.SignOut(); err != nil {
			log.Printf("failed to sign out revoked user %s: %v", user.UID, err)
			return
		}
		recordLivenessSignOut()
	}()
}

// identityQueue is an unbounded FIFO so gateway callbacks never block on a slow subscriber
type identityQueue struct {
	mu     sync.Mutex
	items  []*Identity
	closed bool
	ready  chan struct{}
}

func newIdentityQueue() *identityQueue {
	return &identityQueue{ready: make(chan struct{}, 1)}
}

// push appends identity and reports false once the queue is closed.
func (q *identityQueue) push(identity *Identity) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, identity)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *identityQueue) pop(ctx context.Context) (*Identity, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			identity := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return identity, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *identityQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
