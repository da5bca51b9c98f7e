package session

import (
	"context"
	"testing"
	"time"

	"securedocs/pkg/domain"
	"securedocs/pkg/store"
)

func seedUser(t *testing.T, s store.Store, u domain.User) {
	t.Helper()
	if err := s.SaveUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestResolverInitialState(t *testing.T) {
	r := NewResolver(store.NewMemoryStore())
	snap := r.Current()
	if snap.AuthChecked {
		t.Fatalf("AuthChecked true before first event")
	}
	if Resolve(snap) != StateLoading {
		t.Fatalf("state before first event = %q, want loading", Resolve(snap))
	}
}

func TestResolverSignedOutChecksAuth(t *testing.T) {
	r := NewResolver(store.NewMemoryStore())
	snap, err := r.Dispatch(context.Background(), AuthEvent{Kind: EventSignedOut})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !snap.AuthChecked || snap.User != nil {
		t.Fatalf("signed-out snapshot = %+v, want checked with nil user", snap)
	}
}

func TestResolverSignedInMergesRecord(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, domain.User{
		ID:            "u1",
		Email:         "u1@example.com",
		FullName:      "User One",
		EmailVerified: true,
	})
	r := NewResolver(s)

	snap, err := r.Dispatch(context.Background(), AuthEvent{Kind: EventSignedIn, UserID: "u1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if snap.User == nil || snap.User.UID != "u1" {
		t.Fatalf("snapshot user = %+v, want u1", snap.User)
	}
	if snap.User.DisplayName != "User One" || !snap.User.EmailVerified {
		t.Fatalf("record fields not merged: %+v", snap.User)
	}
	if Resolve(snap) != StateNeedsPhone {
		t.Fatalf("state = %q, want needs_phone", Resolve(snap))
	}
}

func TestResolverMissingRecordSignsOut(t *testing.T) {
	r := NewResolver(store.NewMemoryStore())
	snap, err := r.Dispatch(context.Background(), AuthEvent{Kind: EventSignedIn, UserID: "ghost"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if snap.User != nil {
		t.Fatalf("missing record produced user %+v", snap.User)
	}
}

func TestResolverMergeLocal(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, domain.User{ID: "u1", Email: "u1@example.com", EmailVerified: true})
	r := NewResolver(s)
	if _, err := r.Dispatch(context.Background(), AuthEvent{Kind: EventSignedIn, UserID: "u1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	snap := r.MergeLocal("u1", func(u *SessionUser) {
		u.Phone = "9999999999"
		u.PhoneVerified = true
	})
	if snap.User == nil || !snap.User.PhoneVerified {
		t.Fatalf("merge not applied: %+v", snap.User)
	}
	if Resolve(snap) != StateActive {
		t.Fatalf("state after merge = %q, want active", Resolve(snap))
	}

	// A merge for a principal that is no longer current is dropped.
	if _, err := r.Dispatch(context.Background(), AuthEvent{Kind: EventSignedOut}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	snap = r.MergeLocal("u1", func(u *SessionUser) { u.PhoneVerified = true })
	if snap.User != nil {
		t.Fatalf("merge applied after sign-out: %+v", snap.User)
	}
}

func TestResolverEmissionsAreOrdered(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, domain.User{ID: "u1", Email: "u1@example.com"})
	r := NewResolver(s)

	var prev uint64
	for i := 0; i < 3; i++ {
		snap, err := r.Dispatch(context.Background(), AuthEvent{Kind: EventSignedIn, UserID: "u1"})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if snap.Seq <= prev {
			t.Fatalf("non-monotonic seq %d after %d", snap.Seq, prev)
		}
		prev = snap.Seq
	}
}

func TestResolverSubscribeCoalesces(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, domain.User{ID: "u1", Email: "u1@example.com"})
	r := NewResolver(s)

	ch, cancel := r.Subscribe()
	defer cancel()

	// Two emissions without a read in between: only the newest survives.
	if _, err := r.Dispatch(context.Background(), AuthEvent{Kind: EventSignedIn, UserID: "u1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := r.Dispatch(context.Background(), AuthEvent{Kind: EventSignedOut}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case snap := <-ch:
		if snap.User != nil {
			t.Fatalf("received stale snapshot %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	select {
	case snap := <-ch:
		t.Fatalf("unexpected second delivery %+v", snap)
	default:
	}
}

func TestResolverSubscribeCancel(t *testing.T) {
	r := NewResolver(store.NewMemoryStore())
	ch, cancel := r.Subscribe()
	cancel()
	cancel() // idempotent

	if _, err := r.Dispatch(context.Background(), AuthEvent{Kind: EventSignedOut}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case snap := <-ch:
		t.Fatalf("delivery after cancel: %+v", snap)
	default:
	}
}
