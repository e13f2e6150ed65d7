package domain

// Role enumerates the actor roles recognised by the dispatch desk.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleDispatcher Role = "DISPATCHER"
	RoleHero       Role = "HERO"
	RoleRequester  Role = "REQUESTER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDispatcher, RoleHero, RoleRequester:
		return true
	}
	return false
}

// Elevated reports whether the role sees every ticket.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleDispatcher
}

// Actor identifies the principal driving a session.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// CanSee applies the role-visibility rule: elevated roles see everything,
// everyone else only tickets they created or are assigned to.
func (a Actor) CanSee(t *Ticket) bool {
	if a.Role.Elevated() {
		return true
	}
	return t.CreatedBy == a.ID || t.IsAssignedTo(a.ID)
}
