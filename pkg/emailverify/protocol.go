package emailverify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"securedocs/internal/util"
	"securedocs/pkg/session"
	"securedocs/pkg/store"
)

var (
	// ErrNotYetVerified means the reloaded record is still unverified.
	// Non-fatal; polling continues.
	ErrNotYetVerified = errors.New("email not verified yet")
	// ErrResendCooldown means a verification mail was sent too recently.
	ErrResendCooldown = errors.New("verification email already sent, wait before resending")
	// ErrInvalidToken rejects an unknown or expired confirmation token.
	ErrInvalidToken = errors.New("verification link is invalid or expired")
	// ErrNotSignedIn means no session is present to verify.
	ErrNotSignedIn = errors.New("no signed-in session")
)

// Protocol drives email verification: it sends the link, confirms the
// token the link carries, polls for out-of-band completion and folds
// the verified record into the live snapshot exactly once. Request
// paths always name the principal they act for; only the background
// poller follows the shared snapshot stream.
type Protocol struct {
	store    store.Store
	resolver *session.Resolver
	mailer   Sender
	client   *redis.Client

	baseURL      string
	resendAfter  time.Duration
	tokenTTL     time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	synced map[string]bool
}

func NewProtocol(s store.Store, r *session.Resolver, mailer Sender, redisAddr, redisPassword, baseURL string) (*Protocol, error) {
	redisAddr = strings.TrimSpace(redisAddr)
	if redisAddr == "" {
		return nil, errors.New("email verification redis addr is required")
	}
	return &Protocol{
		store:    s,
		resolver: r,
		mailer:   mailer,
		client: redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: redisPassword,
		}),
		baseURL:      strings.TrimRight(baseURL, "/"),
		resendAfter:  30 * time.Second,
		tokenTTL:     24 * time.Hour,
		pollInterval: 5 * time.Second,
		synced:       make(map[string]bool),
	}, nil
}

// ResendAfter reports the cooldown between verification mails.
func (p *Protocol) ResendAfter() time.Duration { return p.resendAfter }

// Send mails a fresh verification link to the address, subject to the
// resend cooldown. Used both at registration and for explicit resends.
func (p *Protocol) Send(ctx context.Context, uid, email string) error {
	allowed, err := p.client.SetNX(ctx, p.cooldownKey(uid), "1", p.resendAfter).Result()
	if err != nil {
		return fmt.Errorf("reserve resend slot: %w", err)
	}
	if !allowed {
		return ErrResendCooldown
	}

	token := util.NewID()
	if err := p.client.Set(ctx, p.tokenKey(token), uid, p.tokenTTL).Err(); err != nil {
		p.releaseCooldown(ctx, uid)
		return fmt.Errorf("store verification token: %w", err)
	}
	link := p.baseURL + "/auth/email/confirm?token=" + token
	if err := p.mailer.SendVerificationEmail(ctx, email, link); err != nil {
		p.releaseCooldown(ctx, uid)
		_ = p.client.Del(ctx, p.tokenKey(token)).Err()
		return err
	}
	return nil
}

// Resend mails a fresh link to the given principal's address and
// returns the seconds until another resend is accepted. The address is
// read from the principal's own record, never from the shared snapshot.
func (p *Protocol) Resend(ctx context.Context, uid string) (int, error) {
	if uid == "" {
		return 0, ErrNotSignedIn
	}
	record, ok, err := p.store.GetUserByID(ctx, uid)
	if err != nil {
		return 0, fmt.Errorf("load identity record: %w", err)
	}
	if !ok {
		return 0, ErrNotSignedIn
	}
	if err := p.Send(ctx, uid, record.Email); err != nil {
		return 0, err
	}
	return int(p.resendAfter.Seconds()), nil
}

// Confirm redeems a token from a verification link, marks the record
// verified and returns the verified principal's id. The open session,
// if it is the same principal, advances immediately.
func (p *Protocol) Confirm(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	uid, err := p.client.GetDel(ctx, p.tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("redeem verification token: %w", err)
	}
	if err := p.store.MarkEmailVerified(ctx, uid); err != nil {
		return "", fmt.Errorf("mark email verified: %w", err)
	}
	p.syncVerification(ctx, uid)
	return uid, nil
}

// CheckNow reloads the given principal's record. If verification has
// landed out-of-band it is synced into the session; otherwise the
// caller gets ErrNotYetVerified and may try again.
func (p *Protocol) CheckNow(ctx context.Context, uid string) error {
	if uid == "" {
		return ErrNotSignedIn
	}
	record, ok, err := p.store.GetUserByID(ctx, uid)
	if err != nil {
		return fmt.Errorf("reload identity record: %w", err)
	}
	if !ok || !record.EmailVerified {
		return ErrNotYetVerified
	}
	p.syncVerification(ctx, uid)
	return nil
}

// StartPolling checks every poll interval until the email verifies or
// the context ends. After a successful sync the poller stops for good.
func (p *Protocol) StartPolling(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				user := p.resolver.Current().UserCopy()
				if user == nil {
					continue
				}
				err := p.CheckNow(ctx, user.UID)
				if err == nil {
					return
				}
				if !errors.Is(err, ErrNotYetVerified) && !errors.Is(err, ErrNotSignedIn) {
					continue
				}
			}
		}
	}()
}

// syncVerification re-fetches the full record and merges it into the
// live snapshot, at most once per verification; later calls are no-ops.
// A failed re-fetch still folds the verified flag in, since the record
// write has already happened.
func (p *Protocol) syncVerification(ctx context.Context, uid string) {
	p.mu.Lock()
	if p.synced[uid] {
		p.mu.Unlock()
		return
	}
	p.synced[uid] = true
	p.mu.Unlock()

	record, ok, err := p.store.GetUserByID(ctx, uid)
	if err != nil || !ok {
		p.resolver.MergeLocal(uid, func(u *session.SessionUser) {
			u.EmailVerified = true
		})
		return
	}
	p.resolver.MergeLocal(uid, func(u *session.SessionUser) {
		*u = *session.MergeUser(record)
	})
}

func (p *Protocol) releaseCooldown(ctx context.Context, uid string) {
	_ = p.client.Del(ctx, p.cooldownKey(uid)).Err()
}

func (p *Protocol) cooldownKey(uid string) string {
	return "securedocs:emailverify:resend:" + uid
}

func (p *Protocol) tokenKey(token string) string {
	return "securedocs:emailverify:token:" + token
}
