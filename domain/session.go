package domain

type SessionStatus int

// The zero status is StatusReady so an unset Session reads as signed out.
const (
	StatusReady SessionStatus = iota
	StatusHydrating
)

func (s SessionStatus) String() string {
	if s == StatusHydrating {
		return "hydrating"
	}
	return "ready"
}

// Session is the settled view of who is logged in.
// Identity is nil when nobody is.
type Session struct {
	Identity *Identity
	Status   SessionStatus
}

func (s Session) Hydrating() bool {
	return s.Status == StatusHydrating
}

func (s Session) Authenticated() bool {
	return s.Status == StatusReady && s.Identity != nil
}
