package driver

import (
	"context"
	"fmt"

	"github.com/mchatman/aware-sub000/internal/recipe"
	"github.com/mchatman/aware-sub000/pkg/config"
)

// Info is the observed backend state for one tenant gateway.
type Info struct {
	Running      bool
	ReplicaCount int // desired replicas
	ReadyCount   int // replicas passing readiness
}

// Driver realizes tenant specs against one orchestration backend. Exactly one
// implementation is selected at process start; the rest of the system never
// branches on which one.
//
// Teardown must tolerate resources that are already gone and treat them as
// success, so remove can be retried after partial failures.
type Driver interface {
	// Realize creates all backend resources for the spec and returns the
	// backend handle for the running workload.
	Realize(ctx context.Context, spec *recipe.Spec) (handle string, err error)

	// SetReplicas scales the tenant's workload, idempotently.
	SetReplicas(ctx context.Context, name string, replicas int) error

	// Describe reports observed state without mutating anything.
	Describe(ctx context.Context, name string) (Info, error)

	// Teardown best-effort deletes every resource belonging to name. Each
	// resource is attempted independently; the returned error summarizes
	// failures but callers only log it.
	Teardown(ctx context.Context, name string) error

	// Remote reports whether this driver talks to a real backend. Local mode
	// keeps ContainerID nil and skips remote preconditions.
	Remote() bool

	Name() string
}

// New selects the backend from configuration presence: an aws section selects
// the task-and-service backend, a kube section the pod backend, neither the
// local no-op backend.
func New(ctx context.Context, cfg *config.Config) (Driver, error) {
	switch {
	case cfg.AWS != nil:
		d, err := NewECS(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init ecs driver: %w", err)
		}
		return d, nil
	case cfg.Kube != nil:
		d, err := NewKube(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init kube driver: %w", err)
		}
		return d, nil
	default:
		return NewLocal(), nil
	}
}
