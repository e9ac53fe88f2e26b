// Package access holds the role × action permission matrix.
package access

// Role is an organisation-wide role carried in the access token
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
	RoleGuest   Role = "guest"
)

// Action is something a role may be allowed to do
type Action string

const (
	ActionInitiateCall       Action = "initiate_call"
	ActionEndAnyCall         Action = "end_any_call"
	ActionViewAnyCallHistory Action = "view_any_call_history"
	ActionDeleteMessage      Action = "delete_message"
)

// Scope narrows a request, e.g. to the caller's own department
type Scope string

const (
	ScopeAny           Scope = ""
	ScopeOwnDepartment Scope = "own_department"
)

// Decision is the outcome of a matrix lookup
type Decision int

const (
	Deny Decision = iota
	Allow
	// Conditional allows the action only within the caller's own department
	Conditional
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Conditional:
		return "department"
	default:
		return "deny"
	}
}

var matrix = map[Role]map[Action]Decision{
	RoleAdmin: {
		ActionInitiateCall:       Allow,
		ActionEndAnyCall:         Allow,
		ActionViewAnyCallHistory: Allow,
		ActionDeleteMessage:      Allow,
	},
	RoleManager: {
		ActionInitiateCall:       Allow,
		ActionEndAnyCall:         Conditional,
		ActionViewAnyCallHistory: Conditional,
		ActionDeleteMessage:      Conditional,
	},
	RoleUser: {
		ActionInitiateCall: Allow,
	},
	RoleGuest: {},
}

// Lookup returns the raw matrix entry; unknown roles and actions are denied.
func Lookup(role Role, action Action) Decision {
	return matrix[role][action]
}

// CanPerform resolves the matrix entry against the requested scope.
// A Conditional entry is allowed only for ScopeOwnDepartment.
func CanPerform(role Role, action Action, scope Scope) bool {
	switch Lookup(role, action) {
	case Allow:
		return true
	case Conditional:
		return scope == ScopeOwnDepartment
	default:
		return false
	}
}
