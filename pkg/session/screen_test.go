package session

import "testing"

func snapLoading() Snapshot { return Snapshot{} }

func snapSignedOut() Snapshot { return Snapshot{AuthChecked: true} }

func snapUser(emailVerified, phoneVerified bool) Snapshot {
	return Snapshot{AuthChecked: true, User: &SessionUser{
		UID:           "u1",
		Email:         "u1@example.com",
		EmailVerified: emailVerified,
		PhoneVerified: phoneVerified,
	}}
}

func TestResolveStates(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want ScreenState
	}{
		{"loading", snapLoading(), StateLoading},
		{"signed out", snapSignedOut(), StateUnauthenticated},
		{"email pending", snapUser(false, false), StateNeedsEmail},
		{"email pending phone done", snapUser(false, true), StateNeedsEmail},
		{"phone pending", snapUser(true, false), StateNeedsPhone},
		{"active", snapUser(true, true), StateActive},
	}
	for _, tt := range tests {
		if got := Resolve(tt.snap); got != tt.want {
			t.Fatalf("%s: Resolve = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDecideWaitsWhileUnresolved(t *testing.T) {
	paths := []string{PathRoot, PathLogin, PathRegister, PathVerifyEmail, PathVerifyOTP, PathDashboard, PathProfile, PathShared}
	for _, p := range paths {
		d := Decide(p, snapLoading())
		if d.Kind != DecisionWait {
			t.Fatalf("Decide(%q, loading) = %+v, want wait", p, d)
		}
	}
}

func TestDecideRouteTable(t *testing.T) {
	tests := []struct {
		name string
		path string
		snap Snapshot
		want Decision
	}{
		{"root signed out", PathRoot, snapSignedOut(), Decision{Kind: DecisionRedirect, Target: PathLogin}},
		{"root email pending", PathRoot, snapUser(false, false), Decision{Kind: DecisionRedirect, Target: PathVerifyEmail}},
		{"root phone pending", PathRoot, snapUser(true, false), Decision{Kind: DecisionRedirect, Target: PathVerifyOTP}},
		{"root active", PathRoot, snapUser(true, true), Decision{Kind: DecisionRedirect, Target: PathDashboard}},

		{"login signed out", PathLogin, snapSignedOut(), Decision{Kind: DecisionRender}},
		{"register signed out", PathRegister, snapSignedOut(), Decision{Kind: DecisionRender}},
		{"login email pending", PathLogin, snapUser(false, false), Decision{Kind: DecisionRedirect, Target: PathVerifyEmail}},
		{"login phone pending", PathLogin, snapUser(true, false), Decision{Kind: DecisionRedirect, Target: PathVerifyOTP}},
		{"register active", PathRegister, snapUser(true, true), Decision{Kind: DecisionRedirect, Target: PathDashboard}},

		{"verify-email signed out", PathVerifyEmail, snapSignedOut(), Decision{Kind: DecisionRedirect, Target: PathLogin}},
		{"verify-email email pending", PathVerifyEmail, snapUser(false, false), Decision{Kind: DecisionRender}},
		{"verify-email active", PathVerifyEmail, snapUser(true, true), Decision{Kind: DecisionRender}},
		{"verify-otp signed out", PathVerifyOTP, snapSignedOut(), Decision{Kind: DecisionRedirect, Target: PathLogin}},
		{"verify-otp phone pending", PathVerifyOTP, snapUser(true, false), Decision{Kind: DecisionRender}},

		{"dashboard signed out", PathDashboard, snapSignedOut(), Decision{Kind: DecisionRedirect, Target: PathLogin}},
		{"dashboard email pending", PathDashboard, snapUser(false, false), Decision{Kind: DecisionRedirect, Target: PathVerifyEmail}},
		{"dashboard phone pending", PathDashboard, snapUser(true, false), Decision{Kind: DecisionRedirect, Target: PathVerifyOTP}},
		{"dashboard active", PathDashboard, snapUser(true, true), Decision{Kind: DecisionRender}},
		{"profile active", PathProfile, snapUser(true, true), Decision{Kind: DecisionRender}},
		{"shared phone pending", PathShared, snapUser(true, false), Decision{Kind: DecisionRedirect, Target: PathVerifyOTP}},

		{"unknown path", "/nope", snapUser(true, true), Decision{Kind: DecisionRedirect, Target: PathRoot}},
		{"unknown path signed out", "/nope", snapSignedOut(), Decision{Kind: DecisionRedirect, Target: PathRoot}},
	}
	for _, tt := range tests {
		if got := Decide(tt.path, tt.snap); got != tt.want {
			t.Fatalf("%s: Decide(%q) = %+v, want %+v", tt.name, tt.path, got, tt.want)
		}
	}
}

// A session mid phone verification stays put on the OTP screen instead
// of bouncing between the guard's redirect target and itself.
func TestGuardProtectedOTPException(t *testing.T) {
	d := GuardProtected(PathVerifyOTP, snapUser(true, false))
	if d.Kind != DecisionRender {
		t.Fatalf("GuardProtected(otp path, needs phone) = %+v, want render", d)
	}
	d = GuardProtected(PathDashboard, snapUser(true, false))
	if d.Kind != DecisionRedirect || d.Target != PathVerifyOTP {
		t.Fatalf("GuardProtected(dashboard, needs phone) = %+v, want redirect to %q", d, PathVerifyOTP)
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	snap := snapUser(true, false)
	first := Decide(PathDashboard, snap)
	for i := 0; i < 5; i++ {
		if got := Decide(PathDashboard, snap); got != first {
			t.Fatalf("Decide not deterministic: %+v vs %+v", got, first)
		}
	}
}
