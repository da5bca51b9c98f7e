package session

import (
	"context"
	"fmt"
	"sync"

	"securedocs/pkg/store"
)

// EventKind identifies an identity-provider auth event.
type EventKind string

const (
	EventSignedIn     EventKind = "signed_in"
	EventSignedOut    EventKind = "signed_out"
	EventTokenRefresh EventKind = "token_refresh"
)

// AuthEvent is one emission of the identity provider's auth-state stream.
type AuthEvent struct {
	Kind   EventKind
	UserID string
}

// Resolver derives session snapshots from auth events and the identity
// record store. It is the single writer of the process-wide snapshot;
// every gating decision reads its output.
//
// Emissions are strictly ordered: events are processed under one lock,
// each emission carries a monotonic sequence number, and subscribers
// coalesce to the newest snapshot, so a stale snapshot is never
// delivered after a newer one.
type Resolver struct {
	store store.Store

	mu      sync.Mutex
	current Snapshot
	seq     uint64
	subs    map[int]chan Snapshot
	nextSub int
}

// NewResolver builds a resolver over the identity record store.
// Before the first event, Current() reports AuthChecked=false.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{
		store: s,
		subs:  make(map[int]chan Snapshot),
	}
}

// Dispatch processes one auth event to completion and emits the
// resulting snapshot. AuthChecked turns true with the first emission,
// whether signed-in or signed-out.
func (r *Resolver) Dispatch(ctx context.Context, event AuthEvent) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Kind {
	case EventSignedOut:
		return r.emitLocked(nil), nil
	case EventSignedIn, EventTokenRefresh:
		user, ok, err := r.store.GetUserByID(ctx, event.UserID)
		if err != nil {
			return r.current, fmt.Errorf("fetch identity record: %w", err)
		}
		if !ok {
			// Principal exists but the record is gone: treat as signed out
			// rather than gating on a phantom identity.
			return r.emitLocked(nil), nil
		}
		return r.emitLocked(MergeUser(user)), nil
	default:
		return r.current, fmt.Errorf("unknown auth event kind %q", event.Kind)
	}
}

// Current returns the latest snapshot.
func (r *Resolver) Current() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// MergeLocal applies a confirmed verification transition to the current
// user without a refetch and emits the updated snapshot. The merge is
// dropped if the session has signed out or switched principals since.
func (r *Resolver) MergeLocal(uid string, apply func(*SessionUser)) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current.User == nil || r.current.User.UID != uid {
		return r.current
	}
	user := *r.current.User
	apply(&user)
	return r.emitLocked(&user)
}

// Subscribe returns a channel receiving snapshot emissions and a cancel
// function that must be called on teardown. Slow consumers observe the
// newest snapshot only.
func (r *Resolver) Subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Snapshot, 1)
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
	return ch, cancel
}

func (r *Resolver) emitLocked(user *SessionUser) Snapshot {
	r.seq++
	r.current = Snapshot{AuthChecked: true, User: user, Seq: r.seq}
	for _, ch := range r.subs {
		// Coalesce: drop the stale pending snapshot, keep the newest.
		select {
		case <-ch:
		default:
		}
		ch <- r.current
	}
	return r.current
}
