package provider

import (
	"context"
	"time"
)

// Spec describes the execution unit to create for one runner.
type Spec struct {
	Name       string
	Image      string
	Repo       string
	Labels     []string
	Credential string
	Env        map[string]string
}

// Unit is one execution unit as the runtime reports it.
type Unit struct {
	Handle    string
	Name      string
	Repo      string
	Labels    map[string]string
	State     string
	CreatedAt time.Time
}

// Driver is the only component that talks to the container runtime. It is a
// thin, side-effecting adapter: no scaling policy lives here.
//
// Destroy is idempotent: destroying an already-absent handle is success.
// Create failures wrap fleet.ErrBadSpec for configuration problems,
// fleet.ErrResourceExhausted when the runtime is out of capacity, and
// fleet.ErrTransient otherwise, so upstream retry policy can differ.
type Driver interface {
	// Name returns the driver name.
	Name() string

	// Create provisions a unit and returns its runtime handle.
	Create(ctx context.Context, spec Spec) (string, error)

	// Destroy stops and removes the unit with the given handle.
	Destroy(ctx context.Context, handle string) error

	// List returns units matching the label selector.
	List(ctx context.Context, selector map[string]string) ([]Unit, error)

	// HealthCheck verifies the runtime is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases driver resources.
	Close() error
}
