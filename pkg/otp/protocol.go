package otp

import (
	"context"
	"fmt"
	"sync"

	"securedocs/pkg/session"
	"securedocs/pkg/store"
)

// State is the phone-linking attempt state.
type State string

const (
	StateIdle          State = "idle"
	StateChallengeSent State = "challenge_sent"
	StateRedeeming     State = "redeeming"
	StateLinked        State = "linked"
)

// Protocol drives one phone-linking attempt lifecycle: dispatch a
// challenge, redeem the code, flip the verified flag and fold the
// result into the live session. Failed attempts return to idle and may
// retry; a linked protocol is terminal.
type Protocol struct {
	store      store.Store
	resolver   *session.Resolver
	challenges *ChallengeStore
	sender     Sender

	newVerifier  func() (Verifier, error)
	verifierOnce sync.Once
	verifier     Verifier
	verifierErr  error

	mu    sync.Mutex
	state State
}

// NewProtocol builds a linking protocol. newVerifier is invoked at most
// once, on the first challenge dispatch; the verifier it returns lives
// until Close.
func NewProtocol(s store.Store, r *session.Resolver, challenges *ChallengeStore, sender Sender, newVerifier func() (Verifier, error)) *Protocol {
	return &Protocol{
		store:       s,
		resolver:    r,
		challenges:  challenges,
		sender:      sender,
		newVerifier: newVerifier,
		state:       StateIdle,
	}
}

// State reads the current attempt state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SendChallenge dispatches a verification code to the caller's phone.
// The caller supplies its own session user; the protocol never reads
// the shared snapshot stream, so a concurrent realignment to another
// principal cannot redirect the challenge. It returns how many seconds
// remain before a resend is accepted.
func (p *Protocol) SendChallenge(ctx context.Context, user *session.SessionUser) (int, error) {
	p.mu.Lock()
	if p.state == StateRedeeming || p.state == StateLinked {
		p.mu.Unlock()
		return 0, ErrRedeemInFlight
	}
	p.mu.Unlock()

	if user == nil || user.Phone == "" {
		return 0, ErrMissingPhone
	}

	verifier, err := p.ensureVerifier()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrChallengeDispatch, err)
	}
	if err := verifier.Check(ctx, user.Phone); err != nil {
		return 0, err
	}

	if err := p.challenges.ReserveSend(ctx, user.UID, user.Phone); err != nil {
		return 0, err
	}
	code, err := p.sender.SendVerifyCode(ctx, user.Phone)
	if err != nil {
		p.challenges.ReleaseSend(ctx, user.UID, user.Phone)
		return 0, fmt.Errorf("%w: %v", ErrChallengeDispatch, err)
	}
	if err := p.challenges.Put(ctx, user.UID, user.Phone, code); err != nil {
		p.challenges.ReleaseSend(ctx, user.UID, user.Phone)
		return 0, fmt.Errorf("%w: %v", ErrChallengeDispatch, err)
	}

	p.mu.Lock()
	p.state = StateChallengeSent
	p.mu.Unlock()
	return int(p.challenges.ResendAfter().Seconds()), nil
}

// Redeem checks the code against the caller's pending challenge. A
// malformed code or a protocol with no pending challenge fails locally,
// before any lookup. A mismatch returns the attempt to idle; a match
// flips phoneVerified (write-once) and merges the transition into the
// caller's snapshot without a refetch.
func (p *Protocol) Redeem(ctx context.Context, user *session.SessionUser, code string) error {
	if len(code) != codeLength {
		return ErrInvalidCode
	}

	p.mu.Lock()
	switch p.state {
	case StateRedeeming:
		p.mu.Unlock()
		return ErrRedeemInFlight
	case StateChallengeSent:
		p.state = StateRedeeming
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		return ErrInvalidCode
	}

	if user == nil {
		p.setState(StateIdle)
		return ErrInvalidCode
	}

	if err := p.challenges.Consume(ctx, user.UID, user.Phone, code); err != nil {
		p.setState(StateIdle)
		return err
	}

	if err := p.store.MarkPhoneVerified(ctx, user.UID); err != nil {
		p.setState(StateIdle)
		return fmt.Errorf("mark phone verified: %w", err)
	}
	p.resolver.MergeLocal(user.UID, func(u *session.SessionUser) {
		u.PhoneVerified = true
	})
	p.setState(StateLinked)
	return nil
}

// Close releases the verifier, if one was ever constructed.
func (p *Protocol) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifier != nil {
		return p.verifier.Close()
	}
	return nil
}

func (p *Protocol) ensureVerifier() (Verifier, error) {
	p.verifierOnce.Do(func() {
		p.verifier, p.verifierErr = p.newVerifier()
	})
	return p.verifier, p.verifierErr
}

func (p *Protocol) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
