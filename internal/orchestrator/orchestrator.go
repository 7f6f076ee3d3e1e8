package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mchatman/aware-sub000/internal/driver"
	"github.com/mchatman/aware-sub000/internal/recipe"
	"github.com/mchatman/aware-sub000/pkg/config"
	pkgerrors "github.com/mchatman/aware-sub000/pkg/errors"
	"github.com/mchatman/aware-sub000/pkg/metrics"
	"github.com/mchatman/aware-sub000/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"k8s.io/utils/keymutex"
)

var (
	// ErrAlreadyProvisioned is returned by Provision when a tenant row
	// already exists for the team.
	ErrAlreadyProvisioned = errors.New("tenant already provisioned for this team")

	// ErrNotProvisioned means the operation requires an existing backend
	// resource; the team must be (re)provisioned first.
	ErrNotProvisioned = errors.New("tenant has no backend resource")

	// ErrNotFound means no tenant row exists for the team.
	ErrNotFound = models.ErrNotFound

	// ErrBackendUnavailable wraps network/timeout failures talking to the
	// orchestration backend.
	ErrBackendUnavailable = errors.New("orchestration backend unavailable")

	// ErrResourceConflict wraps naming collisions at the backend.
	ErrResourceConflict = errors.New("backend resource conflict")
)

const (
	defaultStopTimeout = 2 * time.Minute
	teardownBudget     = 5 * time.Minute
)

// Orchestrator owns the tenant lifecycle state machine. All coordination goes
// through the persisted row: the existence check in Provision is the lock
// surrogate, and the DB uniqueness constraints are the final backstop. The
// per-team keymutex only narrows the window between check and insert within
// this process.
type Orchestrator struct {
	db       *gorm.DB
	drv      driver.Driver
	confProv config.Provider
	kmu      keymutex.KeyMutex
	wg       sync.WaitGroup
}

// Opts holds the dependencies needed to construct an Orchestrator.
type Opts struct {
	DB             *gorm.DB
	Driver         driver.Driver
	ConfigProvider config.Provider
	KeyMutex       keymutex.KeyMutex
}

// New creates an Orchestrator. KeyMutex defaults to a hashed key mutex and
// Driver to the local backend if not provided.
func New(opts Opts) *Orchestrator {
	kmu := opts.KeyMutex
	if kmu == nil {
		kmu = keymutex.NewHashed(20)
	}
	drv := opts.Driver
	if drv == nil {
		drv = driver.NewLocal()
	}
	return &Orchestrator{
		db:       opts.DB,
		drv:      drv,
		confProv: opts.ConfigProvider,
		kmu:      kmu,
	}
}

// Wait blocks until all background goroutines have completed.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify maps raw backend errors onto the caller-visible taxonomy.
func classify(err error) error {
	switch pkgerrors.KindOf(err) {
	case pkgerrors.KindUnavailable:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	case pkgerrors.KindConflict:
		return fmt.Errorf("%w: %v", ErrResourceConflict, err)
	}
	return err
}

// Provision creates exactly one tenant row for the team and, on a remote
// backend, realizes all backend resources before reporting success. A remote
// failure after the row is inserted marks the row error and re-throws; no
// automatic rollback of partially created resources.
func (o *Orchestrator) Provision(ctx context.Context, teamID, slug string) (*models.Tenant, error) {
	conf := o.confProv.GetConfig()

	o.kmu.LockKey(teamID)
	existing, err := models.GetTenantByTeam(o.db, teamID, false)
	if err == nil && existing != nil {
		_ = o.kmu.UnlockKey(teamID)
		return nil, ErrAlreadyProvisioned
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		_ = o.kmu.UnlockKey(teamID)
		return nil, fmt.Errorf("check existing tenant: %w", err)
	}

	port, err := models.AllocatePort(o.db, teamID)
	if err != nil {
		_ = o.kmu.UnlockKey(teamID)
		return nil, fmt.Errorf("allocate port: %w", err)
	}

	spec, err := recipe.Build(slug, port, o.drv.Remote(), conf)
	if err != nil {
		_ = o.kmu.UnlockKey(teamID)
		return nil, err
	}

	tenant, err := models.CreateTenant(o.db, teamID, spec.ContainerName, spec.GatewayURL, spec.ImageTag, port)
	_ = o.kmu.UnlockKey(teamID)
	if err != nil {
		return nil, fmt.Errorf("create tenant record: %w", err)
	}

	if !o.drv.Remote() {
		// No backend resources; ContainerID stays nil for the row's life.
		_, _ = o.drv.Realize(ctx, spec)
		if err := models.UpdateTenantStatus(o.db, tenant, models.TenantStatusRunning); err != nil {
			return nil, err
		}
		metrics.LifecycleOpsTotal.WithLabelValues("provision", "success").Inc()
		return tenant, nil
	}

	timer := time.Now()
	handle, err := o.drv.Realize(ctx, spec)
	metrics.ProvisionDurationSeconds.WithLabelValues(o.drv.Name()).Observe(time.Since(timer).Seconds())
	if err != nil {
		zap.S().Errorf("Provision failed for team %s: %v", teamID, err)
		metrics.LifecycleOpsTotal.WithLabelValues("provision", "error").Inc()
		if dbErr := models.UpdateTenantStatus(o.db, tenant, models.TenantStatusError); dbErr != nil {
			zap.S().Errorf("Saving tenant error status failed: %v", dbErr)
		}
		return nil, classify(err)
	}

	if err := models.SetTenantHandle(o.db, tenant, handle, models.TenantStatusRunning); err != nil {
		return nil, fmt.Errorf("save tenant handle: %w", err)
	}
	metrics.LifecycleOpsTotal.WithLabelValues("provision", "success").Inc()
	zap.S().Infof("Provisioned tenant %s for team %s at %s", tenant.ContainerName, teamID, tenant.GatewayURL)
	return tenant, nil
}

// Start idempotently scales the tenant's workload to one replica.
func (o *Orchestrator) Start(ctx context.Context, teamID string) (*models.Tenant, error) {
	return o.scale(ctx, teamID, 1, models.TenantStatusRunning, "start")
}

// Stop idempotently scales the tenant's workload to zero.
func (o *Orchestrator) Stop(ctx context.Context, teamID string) (*models.Tenant, error) {
	return o.scale(ctx, teamID, 0, models.TenantStatusStopped, "stop")
}

func (o *Orchestrator) scale(ctx context.Context, teamID string, replicas int, status, op string) (*models.Tenant, error) {
	tenant, err := models.GetTenantByTeam(o.db, teamID, false)
	if err != nil {
		return nil, err
	}

	if o.drv.Remote() {
		if tenant.ContainerID == nil {
			return nil, ErrNotProvisioned
		}
		if err := o.drv.SetReplicas(ctx, tenant.ContainerName, replicas); err != nil {
			zap.S().Errorf("%s failed for team %s: %v", op, teamID, err)
			metrics.LifecycleOpsTotal.WithLabelValues(op, "error").Inc()
			if dbErr := models.UpdateTenantStatus(o.db, tenant, models.TenantStatusError); dbErr != nil {
				zap.S().Errorf("Saving tenant error status failed: %v", dbErr)
			}
			return nil, classify(err)
		}
	} else {
		// Local mode is a pure status flip, but keep the in-memory replica
		// count coherent for Inspect.
		_ = o.drv.SetReplicas(ctx, tenant.ContainerName, replicas)
	}

	if err := models.UpdateTenantStatus(o.db, tenant, status); err != nil {
		return nil, err
	}
	metrics.LifecycleOpsTotal.WithLabelValues(op, "success").Inc()
	return tenant, nil
}

// Remove always deletes the tenant row. On a remote backend it first scales
// to zero synchronously under a short timeout and marks the row stopped, then
// deletes the remaining resources in the background. Background failures are
// logged, never surfaced, never retried.
func (o *Orchestrator) Remove(ctx context.Context, teamID string) error {
	tenant, err := models.GetTenantByTeam(o.db, teamID, false)
	if err != nil {
		return err
	}

	conf := o.confProv.GetConfig()
	stopTimeout := conf.Gateway.StopTimeout
	if stopTimeout == 0 {
		stopTimeout = defaultStopTimeout
	}

	if o.drv.Remote() && tenant.ContainerID != nil {
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := o.drv.SetReplicas(stopCtx, tenant.ContainerName, 0); err != nil {
			zap.S().Warnf("Scale-to-zero during remove failed for team %s: %v", teamID, err)
		}
		cancel()
		if err := models.UpdateTenantStatus(o.db, tenant, models.TenantStatusStopped); err != nil {
			zap.S().Warnf("Marking tenant stopped during remove failed: %v", err)
		}
	}

	if err := models.DeleteTenant(o.db, tenant); err != nil {
		return fmt.Errorf("delete tenant record: %w", err)
	}

	name := tenant.ContainerName
	backend := o.drv.Name()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		bgCtx, cancel := context.WithTimeout(context.Background(), teardownBudget)
		defer cancel()
		timer := time.Now()
		if err := o.drv.Teardown(bgCtx, name); err != nil {
			metrics.LifecycleOpsTotal.WithLabelValues("remove", "error").Inc()
			zap.S().Errorf("Background teardown for %s: %v", name, err)
		} else {
			metrics.LifecycleOpsTotal.WithLabelValues("remove", "success").Inc()
		}
		metrics.TeardownDurationSeconds.WithLabelValues(backend).Observe(time.Since(timer).Seconds())
	}()

	zap.S().Infof("Removed tenant %s for team %s; teardown continues in background", name, teamID)
	return nil
}

// Inspect reports the observed backend state without mutating anything.
func (o *Orchestrator) Inspect(ctx context.Context, teamID string) (driver.Info, error) {
	tenant, err := models.GetTenantByTeam(o.db, teamID, false)
	if err != nil {
		return driver.Info{}, err
	}
	if o.drv.Remote() && tenant.ContainerID == nil {
		return driver.Info{}, ErrNotProvisioned
	}
	info, err := o.drv.Describe(ctx, tenant.ContainerName)
	if err != nil {
		return driver.Info{}, classify(err)
	}
	return info, nil
}

// SyncStatus reconciles the persisted status with the observed backend state.
// Only the two stable states are committed; a transitional observation (scaling
// up or draining) leaves the row untouched so reconciliation never flaps
// against an in-flight start/stop. A failed observation marks the row error:
// visibility over silence.
func (o *Orchestrator) SyncStatus(ctx context.Context, teamID string) (*models.Tenant, error) {
	tenant, err := models.GetTenantByTeam(o.db, teamID, false)
	if err != nil {
		return nil, err
	}
	if o.drv.Remote() && tenant.ContainerID == nil {
		// Nothing observable yet; provisioning or error rows keep their status.
		return tenant, nil
	}

	info, err := o.drv.Describe(ctx, tenant.ContainerName)
	if err != nil {
		zap.S().Errorf("SyncStatus observation failed for team %s: %v", teamID, err)
		if dbErr := models.UpdateTenantStatus(o.db, tenant, models.TenantStatusError); dbErr != nil {
			zap.S().Errorf("Saving tenant error status failed: %v", dbErr)
		}
		return nil, classify(err)
	}

	var observed string
	switch {
	case info.Running && info.ReplicaCount > 0:
		observed = models.TenantStatusRunning
	case !info.Running && info.ReplicaCount == 0:
		observed = models.TenantStatusStopped
	default:
		// Transitional; leave the persisted value untouched.
		return tenant, nil
	}

	if tenant.Status != observed {
		if err := models.UpdateTenantStatus(o.db, tenant, observed); err != nil {
			return nil, err
		}
		zap.S().Infof("Reconciled tenant %s status to %s", tenant.ContainerName, observed)
	}
	return tenant, nil
}
