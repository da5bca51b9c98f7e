package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// ChallengeStore keeps pending phone-verification challenges in Redis.
// Codes are stored bcrypt-hashed; the plaintext exists only in transit
// to the phone.
type ChallengeStore struct {
	client            *redis.Client
	keyPrefix         string
	challengeTTL      time.Duration
	challengePersist  time.Duration
	resendAfter       time.Duration
	maxVerifyAttempts int
}

type challenge struct {
	UID        string    `json:"uid"`
	Phone      string    `json:"phone"`
	CodeHash   string    `json:"codeHash"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Attempts   int       `json:"attempts"`
	MaxAttempt int       `json:"maxAttempt"`
}

func NewChallengeStore(addr, password string) (*ChallengeStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("challenge redis addr is required")
	}
	challengeTTL := 5 * time.Minute
	return &ChallengeStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		keyPrefix:         "securedocs:otp",
		challengeTTL:      challengeTTL,
		challengePersist:  challengeTTL + time.Minute,
		resendAfter:       30 * time.Second,
		maxVerifyAttempts: 5,
	}, nil
}

// ResendAfter reports the cooldown between challenge dispatches.
func (s *ChallengeStore) ResendAfter() time.Duration { return s.resendAfter }

// TTL reports how long a dispatched code stays redeemable.
func (s *ChallengeStore) TTL() time.Duration { return s.challengeTTL }

// ReserveSend claims the resend-cooldown slot for a phone. It must be
// called before dispatching a code; ErrResendCooldown means a code was
// sent within the cooldown window.
func (s *ChallengeStore) ReserveSend(ctx context.Context, uid, phone string) error {
	allowed, err := s.client.SetNX(ctx, s.resendKey(uid, phone), "1", s.resendAfter).Result()
	if err != nil {
		return fmt.Errorf("reserve resend slot: %w", err)
	}
	if !allowed {
		return ErrResendCooldown
	}
	return nil
}

// ReleaseSend frees the cooldown slot after a failed dispatch so the
// caller can retry immediately.
func (s *ChallengeStore) ReleaseSend(ctx context.Context, uid, phone string) {
	_ = s.client.Del(ctx, s.resendKey(uid, phone)).Err()
}

// Put stores the dispatched code for the session, replacing any pending
// challenge for the same principal.
func (s *ChallengeStore) Put(ctx context.Context, uid, phone, code string) error {
	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash verification code: %w", err)
	}
	raw, err := json.Marshal(challenge{
		UID:        uid,
		Phone:      phone,
		CodeHash:   string(codeHash),
		ExpiresAt:  time.Now().UTC().Add(s.challengeTTL),
		Attempts:   0,
		MaxAttempt: s.maxVerifyAttempts,
	})
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.client.Set(ctx, s.challengeKey(uid), raw, s.challengePersist).Err(); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	return nil
}

// Consume redeems the pending challenge for the principal. A match
// deletes the challenge; a mismatch counts an attempt and returns
// ErrCodeRedemption. An expired, exhausted or absent challenge also
// fails with ErrCodeRedemption so the caller cannot probe state.
func (s *ChallengeStore) Consume(ctx context.Context, uid, phone, code string) error {
	key := s.challengeKey(uid)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCodeRedemption
	}
	if err != nil {
		return fmt.Errorf("load challenge: %w", err)
	}
	var c challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("unmarshal challenge: %w", err)
	}
	if c.UID != uid || c.Phone != phone {
		return ErrCodeRedemption
	}
	if time.Now().UTC().After(c.ExpiresAt) {
		_ = s.client.Del(ctx, key).Err()
		return ErrCodeRedemption
	}
	if c.Attempts >= c.MaxAttempt {
		_ = s.client.Del(ctx, key).Err()
		return ErrCodeRedemption
	}
	if bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(code)) != nil {
		c.Attempts++
		if c.Attempts >= c.MaxAttempt {
			_ = s.client.Del(ctx, key).Err()
		} else if updated, marshalErr := json.Marshal(c); marshalErr == nil {
			ttl, ttlErr := s.client.TTL(ctx, key).Result()
			if ttlErr == nil && ttl > 0 {
				_ = s.client.Set(ctx, key, updated, ttl).Err()
			}
		}
		return ErrCodeRedemption
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	return nil
}

func (s *ChallengeStore) challengeKey(uid string) string {
	return fmt.Sprintf("%s:challenge:%s", s.keyPrefix, uid)
}

func (s *ChallengeStore) resendKey(uid, phone string) string {
	return fmt.Sprintf("%s:resend:%s:%s", s.keyPrefix, uid, phone)
}
