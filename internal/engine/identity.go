package engine

import "context"

// Identity is the opaque caller identity on whose behalf the engine works.
type Identity struct {
	Subject string
}

// Capability claims consulted before engine operations.
const (
	ClaimStartProcess = "startProcess"
	ClaimCompleteTask = "completeTask"
	ClaimReadModels   = "readModels"
)

// ClaimCheck is the capability check consulted as a yes/no decision.  The
// identity protocol behind it is out of scope for the engine.
type ClaimCheck interface {
	Allowed(ctx context.Context, identity Identity, claim string) (bool, error)
}

// AllowAll grants every claim.  It backs tests and single-tenant embedded
// deployments.
type AllowAll struct{}

// Allowed always reports true.
func (AllowAll) Allowed(ctx context.Context, identity Identity, claim string) (bool, error) {
	return true, nil
}
