package emailverify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"securedocs/pkg/domain"
	"securedocs/pkg/session"
	"securedocs/pkg/store"
)

type fakeMailer struct {
	links []string
	err   error
}

func (m *fakeMailer) SendVerificationEmail(_ context.Context, _, link string) error {
	if m.err != nil {
		return m.err
	}
	m.links = append(m.links, link)
	return nil
}

type fixture struct {
	store    *store.MemoryStore
	resolver *session.Resolver
	redis    *miniredis.Miniredis
	mailer   *fakeMailer
	protocol *Protocol
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	if err := mem.SaveUser(context.Background(), domain.User{
		ID:    "u1",
		Email: "u1@example.com",
		Phone: "9876543210",
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	resolver := session.NewResolver(mem)
	if _, err := resolver.Dispatch(context.Background(), session.AuthEvent{Kind: session.EventSignedIn, UserID: "u1"}); err != nil {
		t.Fatalf("dispatch sign-in: %v", err)
	}

	srv := miniredis.RunT(t)
	mailer := &fakeMailer{}
	p, err := NewProtocol(mem, resolver, mailer, srv.Addr(), "", "https://docs.example.com")
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	return &fixture{store: mem, resolver: resolver, redis: srv, mailer: mailer, protocol: p}
}

func (f *fixture) lastToken(t *testing.T) string {
	t.Helper()
	if len(f.mailer.links) == 0 {
		t.Fatal("no verification mail sent")
	}
	link := f.mailer.links[len(f.mailer.links)-1]
	i := strings.Index(link, "token=")
	if i < 0 {
		t.Fatalf("link carries no token: %q", link)
	}
	return link[i+len("token="):]
}

func TestResendCooldown(t *testing.T) {
	f := newFixture(t)
	if _, err := f.protocol.Resend(context.Background(), "u1"); err != nil {
		t.Fatalf("first resend: %v", err)
	}
	if _, err := f.protocol.Resend(context.Background(), "u1"); !errors.Is(err, ErrResendCooldown) {
		t.Fatalf("err = %v, want ErrResendCooldown", err)
	}

	f.redis.FastForward(31 * time.Second)
	resendIn, err := f.protocol.Resend(context.Background(), "u1")
	if err != nil {
		t.Fatalf("resend after cooldown: %v", err)
	}
	if resendIn != 30 {
		t.Fatalf("resendIn = %d, want 30", resendIn)
	}
	if len(f.mailer.links) != 2 {
		t.Fatalf("mails sent = %d, want 2", len(f.mailer.links))
	}
}

func TestSendFailureReleasesCooldown(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp down")
	if _, err := f.protocol.Resend(context.Background(), "u1"); err == nil {
		t.Fatal("resend succeeded with failing mailer")
	}
	f.mailer.err = nil
	if _, err := f.protocol.Resend(context.Background(), "u1"); err != nil {
		t.Fatalf("retry after mail failure: %v", err)
	}
}

func TestConfirmVerifiesAndAdvances(t *testing.T) {
	f := newFixture(t)
	if _, err := f.protocol.Resend(context.Background(), "u1"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	token := f.lastToken(t)

	uid, err := f.protocol.Confirm(context.Background(), token)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if uid != "u1" {
		t.Fatalf("confirmed uid = %q, want u1", uid)
	}
	user, ok, err := f.store.GetUserByID(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	if !user.EmailVerified {
		t.Fatal("record emailVerified not set")
	}
	snap := f.resolver.Current()
	if snap.User == nil || !snap.User.EmailVerified {
		t.Fatalf("snapshot not merged: %+v", snap.User)
	}
	if session.Resolve(snap) != session.StateNeedsPhone {
		t.Fatalf("state = %q, want needs_phone", session.Resolve(snap))
	}

	// Tokens are single use.
	if _, err := f.protocol.Confirm(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("second confirm err = %v, want ErrInvalidToken", err)
	}
}

func TestConfirmUnknownToken(t *testing.T) {
	f := newFixture(t)
	if _, err := f.protocol.Confirm(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestCheckNow(t *testing.T) {
	f := newFixture(t)
	if err := f.protocol.CheckNow(context.Background(), "u1"); !errors.Is(err, ErrNotYetVerified) {
		t.Fatalf("err = %v, want ErrNotYetVerified", err)
	}

	// Verification lands out-of-band, for instance in another tab.
	if err := f.store.MarkEmailVerified(context.Background(), "u1"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if err := f.protocol.CheckNow(context.Background(), "u1"); err != nil {
		t.Fatalf("check after verification: %v", err)
	}
	snap := f.resolver.Current()
	if snap.User == nil || !snap.User.EmailVerified {
		t.Fatalf("snapshot not merged: %+v", snap.User)
	}

	// The sync happens once; repeat checks do not re-emit.
	seq := snap.Seq
	if err := f.protocol.CheckNow(context.Background(), "u1"); err != nil {
		t.Fatalf("repeat check: %v", err)
	}
	if got := f.resolver.Current().Seq; got != seq {
		t.Fatalf("repeat check re-emitted snapshot: seq %d, was %d", got, seq)
	}
}

func TestSyncMergesFullRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The record changed while verification was pending; the sync must
	// carry the whole record, not just the verified flag.
	if err := f.store.UpdateUserFields(ctx, "u1", map[string]any{"full_name": "Asha V."}); err != nil {
		t.Fatalf("update user: %v", err)
	}
	if err := f.store.MarkEmailVerified(ctx, "u1"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if err := f.protocol.CheckNow(ctx, "u1"); err != nil {
		t.Fatalf("check: %v", err)
	}

	snap := f.resolver.Current()
	if snap.User == nil || !snap.User.EmailVerified {
		t.Fatalf("snapshot not merged: %+v", snap.User)
	}
	if snap.User.DisplayName != "Asha V." {
		t.Fatalf("displayName = %q, want refetched record", snap.User.DisplayName)
	}
}

func TestPollingStopsAfterSuccess(t *testing.T) {
	f := newFixture(t)
	f.protocol.pollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.protocol.StartPolling(ctx)

	if err := f.store.MarkEmailVerified(context.Background(), "u1"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	deadline := time.After(time.Second)
	for {
		snap := f.resolver.Current()
		if snap.User != nil && snap.User.EmailVerified {
			return
		}
		select {
		case <-deadline:
			t.Fatal("poller never synced verification")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
