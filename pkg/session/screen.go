package session

// ScreenState is the single navigational state derived from a snapshot.
type ScreenState string

const (
	StateLoading         ScreenState = "loading"
	StateUnauthenticated ScreenState = "unauthenticated"
	StateNeedsEmail      ScreenState = "needs_email"
	StateNeedsPhone      ScreenState = "needs_phone"
	StateActive          ScreenState = "active"
)

// Navigable paths.
const (
	PathRoot        = "/"
	PathLogin       = "/login"
	PathRegister    = "/register"
	PathVerifyEmail = "/verify-email"
	PathVerifyOTP   = "/verify-otp"
	PathDashboard   = "/dashboard"
	PathProfile     = "/profile"
	PathShared      = "/shared"
)

// Resolve maps a snapshot to exactly one screen state.
// Pure and total: equal snapshots always yield equal states, so it can
// be evaluated on every request without drift.
func Resolve(s Snapshot) ScreenState {
	switch {
	case !s.AuthChecked:
		return StateLoading
	case s.User == nil:
		return StateUnauthenticated
	case !s.User.EmailVerified:
		return StateNeedsEmail
	case !s.User.PhoneVerified:
		return StateNeedsPhone
	default:
		return StateActive
	}
}

// DecisionKind classifies a route-guard outcome.
type DecisionKind string

const (
	// DecisionWait blocks in place until the session is resolved.
	// It is the only permitted outcome while AuthChecked is false.
	DecisionWait DecisionKind = "wait"
	// DecisionRender lets the requested path render.
	DecisionRender DecisionKind = "render"
	// DecisionRedirect sends the caller to Target.
	DecisionRedirect DecisionKind = "redirect"
)

// Decision is a route-guard outcome for one path and snapshot.
type Decision struct {
	Kind   DecisionKind `json:"kind"`
	Target string       `json:"target,omitempty"`
}

func wait() Decision             { return Decision{Kind: DecisionWait} }
func render() Decision           { return Decision{Kind: DecisionRender} }
func redirect(to string) Decision { return Decision{Kind: DecisionRedirect, Target: to} }

// HomeTarget returns the path a state resolves to from the root.
func HomeTarget(state ScreenState) string {
	switch state {
	case StateUnauthenticated:
		return PathLogin
	case StateNeedsEmail:
		return PathVerifyEmail
	case StateNeedsPhone:
		return PathVerifyOTP
	default:
		return PathDashboard
	}
}

// GuardProtected guards dashboard, profile and shared-documents paths.
// Only ACTIVE renders. The one exception: when the caller is already on
// the OTP path in NEEDS_PHONE state, it renders instead of redirecting,
// so the phone-verification view can become consistent without a loop.
func GuardProtected(path string, snap Snapshot) Decision {
	state := Resolve(snap)
	switch state {
	case StateLoading:
		return wait()
	case StateActive:
		return render()
	case StateNeedsPhone:
		if path == PathVerifyOTP {
			return render()
		}
		return redirect(PathVerifyOTP)
	default:
		return redirect(HomeTarget(state))
	}
}

// GuardPublicOnly guards login and register: only an unauthenticated
// session may see them; every other resolved state is sent onward.
func GuardPublicOnly(snap Snapshot) Decision {
	state := Resolve(snap)
	switch state {
	case StateLoading:
		return wait()
	case StateUnauthenticated:
		return render()
	default:
		return redirect(HomeTarget(state))
	}
}

// ResolveRoot resolves "/" to exactly one concrete destination.
// The root never renders content itself.
func ResolveRoot(snap Snapshot) Decision {
	state := Resolve(snap)
	if state == StateLoading {
		return wait()
	}
	return redirect(HomeTarget(state))
}

// Decide applies the route table to any navigable path.
// Unknown paths fall through to the root, mirroring the catch-all route.
func Decide(path string, snap Snapshot) Decision {
	switch path {
	case PathRoot:
		return ResolveRoot(snap)
	case PathLogin, PathRegister:
		return GuardPublicOnly(snap)
	case PathVerifyEmail, PathVerifyOTP:
		// Verification screens render for any signed-in session; a
		// signed-out caller has nothing to verify.
		state := Resolve(snap)
		switch state {
		case StateLoading:
			return wait()
		case StateUnauthenticated:
			return redirect(PathLogin)
		default:
			return render()
		}
	case PathDashboard, PathProfile, PathShared:
		return GuardProtected(path, snap)
	default:
		return redirect(PathRoot)
	}
}
