// Package authz defines the authorization seam the dispatcher consults
// before acting on tasks. The default implementation allows everything;
// deployments embed their own policy behind the same interface.
package authz

import (
	"context"
	"errors"
)

// ErrDenied is returned by Check implementations when the caller may not
// perform the operation. The HTTP surface maps it to 403.
var ErrDenied = errors.New("permission denied")

// Operations checked against task resources.
const (
	OperationCreate  = "create"
	OperationExecute = "execute"
)

// Wildcard addresses the whole resource kind rather than one instance.
const Wildcard = "*"

// Resource identifies the object an operation targets.
type Resource struct {
	Kind string // "task"
	ID   string
}

// TaskResource builds the resource for a task id.
func TaskResource(taskID string) Resource {
	return Resource{Kind: "task", ID: taskID}
}

// TaskWildcard addresses tasks as a kind, used for create checks before an
// id exists.
func TaskWildcard() Resource {
	return Resource{Kind: "task", ID: Wildcard}
}

// Authorizer decides whether the calling principal may perform an
// operation, and records grants when new resources are created.
type Authorizer interface {
	// Check returns a client error when the operation is denied.
	Check(ctx context.Context, resource Resource, operation string) error

	// Grant records that the calling principal owns the resource. Called
	// once when the resource is created.
	Grant(ctx context.Context, resource Resource) error
}

// AllowAll permits every operation. It is the default policy.
type AllowAll struct{}

func (AllowAll) Check(ctx context.Context, resource Resource, operation string) error { return nil }
func (AllowAll) Grant(ctx context.Context, resource Resource) error                   { return nil }
