// Package auth decides what a caller may do.
//
// Identity model:
//   - The upstream gateway authenticates users and forwards the caller's id,
//     role and any extra grants in X-Caller-* headers.
//   - Those headers are trusted only when the request carries the shared
//     X-Internal-Token.
//   - Every handler asks HasPermission once, before touching a workflow.
package auth

import (
	"errors"
	"strings"
)

// Errors
var (
	ErrUnauthenticated = errors.New("caller identity required")
	ErrForbidden       = errors.New("not authorized for this action")
)

// Role is the coarse caller class supplied by the gateway.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Action is a capability checked at the handler boundary.
type Action string

const (
	ActionWalletRead     Action = "wallet:read"
	ActionWalletAdjust   Action = "wallet:adjust"
	ActionOrderCreate    Action = "order:create"
	ActionOrderRead      Action = "order:read"
	ActionOrderProcess   Action = "order:process"
	ActionOrderManage    Action = "order:manage"
	ActionRechargeSubmit Action = "recharge:submit"
	ActionRechargeReview Action = "recharge:review"
	ActionAgentManage    Action = "agent:manage"
	ActionLedgerAudit    Action = "ledger:audit"
)

var roleGrants = map[Role][]Action{
	RoleUser: {
		ActionWalletRead,
		ActionOrderCreate,
		ActionOrderRead,
		ActionRechargeSubmit,
	},
	RoleAgent: {
		ActionWalletRead,
		ActionOrderRead,
		ActionOrderProcess,
	},
	RoleAdmin: {
		ActionWalletRead,
		ActionWalletAdjust,
		ActionOrderCreate,
		ActionOrderRead,
		ActionOrderProcess,
		ActionOrderManage,
		ActionRechargeSubmit,
		ActionRechargeReview,
		ActionAgentManage,
		ActionLedgerAudit,
	},
}

// Caller is the identity attached to a request.
type Caller struct {
	ID     string   `json:"id"`
	Role   Role     `json:"role"`
	Grants []Action `json:"grants,omitempty"` // in addition to the role's defaults
}

// IsAdmin reports whether the caller has the admin role.
func (c *Caller) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// HasPermission reports whether caller may perform action.
func HasPermission(caller *Caller, action Action) bool {
	if caller == nil || caller.ID == "" {
		return false
	}
	for _, a := range roleGrants[caller.Role] {
		if a == action {
			return true
		}
	}
	for _, a := range caller.Grants {
		if a == action {
			return true
		}
	}
	return false
}

// CanAccessOwner reports whether caller may see data belonging to ownerID.
// Admins see everything; everyone else sees only their own.
func CanAccessOwner(caller *Caller, ownerID string) bool {
	if caller == nil {
		return false
	}
	return caller.IsAdmin() || caller.ID == ownerID
}

// ParseRole normalises a role header value. Unknown roles map to "".
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleUser, RoleAgent, RoleAdmin:
		return r
	}
	return ""
}

// ParseGrants splits a comma-separated permission list.
func ParseGrants(s string) []Action {
	if s == "" {
		return nil
	}
	var out []Action
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, Action(p))
		}
	}
	return out
}
