package session

import "securedocs/pkg/domain"

// SessionUser is the merged identity view used for all gating decisions:
// provider-native fields joined with identity-record fields.
type SessionUser struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoURL"`
	Phone         string `json:"phone"`
	PhoneVerified bool   `json:"phoneVerified"`
}

// Snapshot is one immutable emission of the session resolver.
// AuthChecked stays false until the first auth event has been fully
// processed; consumers must render a wait state until then.
type Snapshot struct {
	AuthChecked bool         `json:"authChecked"`
	User        *SessionUser `json:"user"`
	Seq         uint64       `json:"-"`
}

// MergeUser builds the session view of an identity record.
func MergeUser(u domain.User) *SessionUser {
	return &SessionUser{
		UID:           u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		DisplayName:   u.FullName,
		PhotoURL:      u.PhotoURL,
		Phone:         u.Phone,
		PhoneVerified: u.PhoneVerified,
	}
}

// WithUser derives a new snapshot carrying the given user.
// The receiver is not mutated.
func (s Snapshot) WithUser(u *SessionUser) Snapshot {
	return Snapshot{AuthChecked: s.AuthChecked, User: u, Seq: s.Seq}
}

// UserCopy returns a defensive copy of the snapshot's user, or nil.
func (s Snapshot) UserCopy() *SessionUser {
	if s.User == nil {
		return nil
	}
	u := *s.User
	return &u
}
