// Package scheduler periodically reconciles tenant rows against the backend.
package scheduler

import (
	"context"
	"time"

	"github.com/mchatman/aware-sub000/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Syncer reconciles a single team's tenant row against the live backend.
type Syncer interface {
	SyncStatus(ctx context.Context, teamID string) (*models.Tenant, error)
}

// StatusReconciler sweeps all stable tenants at a fixed interval and on
// demand. Transitional rows are left alone until a later sweep observes a
// stable backend state.
type StatusReconciler struct {
	db       *gorm.DB
	syncer   Syncer
	interval time.Duration
	nudge    chan struct{}
}

func New(db *gorm.DB, syncer Syncer, interval time.Duration) *StatusReconciler {
	return &StatusReconciler{
		db:       db,
		syncer:   syncer,
		interval: interval,
		nudge:    make(chan struct{}, 1),
	}
}

// NotifyChange requests an early sweep. Non-blocking; a pending request is
// enough.
func (r *StatusReconciler) NotifyChange() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Start runs the reconcile loop until ctx is cancelled.
func (r *StatusReconciler) Start(ctx context.Context) {
	zap.S().Infof("Starting status reconciler with interval %s", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.S().Info("Stopping status reconciler")
			return
		case <-ticker.C:
			r.sweep(ctx)
		case <-r.nudge:
			r.sweep(ctx)
		}
	}
}

func (r *StatusReconciler) sweep(ctx context.Context) {
	tenants, err := models.ListReconcilable(r.db)
	if err != nil {
		zap.S().Errorf("Failed to list tenants for reconciliation: %v", err)
		return
	}
	for i := range tenants {
		syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := r.syncer.SyncStatus(syncCtx, tenants[i].TeamID)
		cancel()
		if err != nil {
			zap.S().Warnf("Status sync failed for team %s: %v", tenants[i].TeamID, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
