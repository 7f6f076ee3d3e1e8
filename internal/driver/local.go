package driver

import (
	"context"
	"sync"

	"github.com/mchatman/aware-sub000/internal/recipe"
)

// Local is the no-backend driver used in single-machine development. State
// lives in memory for the life of the process; the persisted tenant row stays
// the real source of truth.
type Local struct {
	mu       sync.Mutex
	replicas map[string]int
}

var _ Driver = (*Local)(nil)

func NewLocal() *Local {
	return &Local{replicas: make(map[string]int)}
}

func (l *Local) Realize(_ context.Context, spec *recipe.Spec) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replicas[spec.ContainerName] = 1
	return "", nil
}

func (l *Local) SetReplicas(_ context.Context, name string, replicas int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replicas[name] = replicas
	return nil
}

func (l *Local) Describe(_ context.Context, name string) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.replicas[name]
	return Info{Running: n > 0, ReplicaCount: n, ReadyCount: n}, nil
}

func (l *Local) Teardown(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.replicas, name)
	return nil
}

func (l *Local) Remote() bool { return false }

func (l *Local) Name() string { return "local" }
