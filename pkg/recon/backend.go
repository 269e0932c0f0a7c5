package recon

import "context"

// MoveOptions carries options for rename/move primitives.
type MoveOptions struct {
	// Copy performs a copy instead of a move, leaving the source in place.
	Copy bool

	// Mode is the transfer mode for cross-server operations (pull, push,
	// relay). Empty means the backend default.
	Mode string

	// InstanceOnly transfers the instance without its snapshots.
	InstanceOnly bool

	// Stateless skips runtime state for live transfers.
	Stateless bool

	// TargetPool places the destination on a specific storage pool.
	TargetPool string
}

// DeleteOptions carries options for delete primitives.
type DeleteOptions struct {
	// Force deletes even when the resource is running or referenced by
	// dependents.
	Force bool
}

// ResourceBackend is the narrow capability through which the engine talks
// to an Incus server for one resource kind. Implementations wrap the incus
// CLI or the REST API; the engine never embeds connection details.
//
// All calls are blocking. Timeouts are the backend's responsibility and
// surface as KindBackendTimeout errors. Fetch returns a KindNotFound error
// when the resource does not exist.
type ResourceBackend interface {
	// Fetch retrieves the current observed document for the resource.
	Fetch(ctx context.Context, id Identity) (Object, error)

	// Create creates the resource with its initial desired document.
	// Attributes the creation primitive cannot express are converged by
	// mutations afterwards.
	Create(ctx context.Context, id Identity, desired Object) error

	// Apply applies one primitive mutation.
	Apply(ctx context.Context, id Identity, m Mutation) error

	// RenameOrMove renames the resource, or moves/copies it across scopes.
	RenameOrMove(ctx context.Context, src, dst Identity, opts MoveOptions) error

	// Delete deletes the resource.
	Delete(ctx context.Context, id Identity, opts DeleteOptions) error
}
