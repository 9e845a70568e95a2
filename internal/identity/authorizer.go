package identity

import (
	"context"
)

// Capability names a permission a member can hold on a target entity.
type Capability string

const (
	// CapabilityChamaAdmin lets a member review withdrawal requests for a
	// chama they administer.
	CapabilityChamaAdmin Capability = "chama:admin"
)

// Authorizer answers capability checks against the member directory. The
// engine treats it as an external collaborator: it is consulted, never
// updated, and a lookup failure is an error, not a denial.
type Authorizer interface {
	Authorize(ctx context.Context, userID string, capability Capability, targetID string) (bool, error)
}
