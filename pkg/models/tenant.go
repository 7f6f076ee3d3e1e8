package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	TenantStatusProvisioning = "provisioning"
	TenantStatusRunning      = "running"
	TenantStatusStopped      = "stopped"
	TenantStatusError        = "error"

	ErrNotFound = errors.New("tenant not found")
)

// BasePort is the first logical port handed out when no tenant rows exist.
const BasePort = 18000

// Tenant is the single source of truth for one team's gateway. Ports and
// container names are allocated monotonically and never recycled, so a stale
// route during asynchronous teardown can never point at a reused slot.
type Tenant struct {
	ID            string  `gorm:"primaryKey"`
	TeamID        string  `gorm:"uniqueIndex"`
	ContainerName string  `gorm:"uniqueIndex"`
	Port          int     `gorm:"uniqueIndex"`
	GatewayURL    string
	Status        string
	ContainerID   *string // backend resource handle; nil until the backend resource exists
	ImageTag      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func GetTenantByTeam(db *gorm.DB, teamID string, lock bool) (*Tenant, error) {
	var tenant Tenant
	var result *gorm.DB
	if lock {
		result = db.Clauses(clause.Locking{
			Strength: "UPDATE",
		}).Where("team_id = ?", teamID).Limit(1).Find(&tenant)
	} else {
		result = db.Where("team_id = ?", teamID).Limit(1).Find(&tenant)
	}
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &tenant, nil
}

func ListTenants(db *gorm.DB) ([]Tenant, error) {
	var tenants []Tenant
	result := db.Order("created_at ASC").Find(&tenants)
	return tenants, result.Error
}

// ListReconcilable returns the rows the status reconciler should sweep:
// everything except terminal error rows, which require operator intervention.
func ListReconcilable(db *gorm.DB) ([]Tenant, error) {
	var tenants []Tenant
	result := db.Where("status IN ?", []string{TenantStatusRunning, TenantStatusStopped}).Find(&tenants)
	return tenants, result.Error
}

func CreateTenant(db *gorm.DB, teamID, containerName, gatewayURL, imageTag string, port int) (*Tenant, error) {
	tenant := &Tenant{
		ID:            uuid.NewString(),
		TeamID:        teamID,
		ContainerName: containerName,
		Port:          port,
		GatewayURL:    gatewayURL,
		Status:        TenantStatusProvisioning,
		ImageTag:      imageTag,
	}
	result := db.Create(tenant)
	return tenant, result.Error
}

func UpdateTenantStatus(db *gorm.DB, tenant *Tenant, status string) error {
	tenant.Status = status
	result := db.Save(tenant)
	return result.Error
}

// SetTenantHandle records the backend resource handle alongside a status
// transition, once realize has succeeded.
func SetTenantHandle(db *gorm.DB, tenant *Tenant, containerID, status string) error {
	tenant.ContainerID = &containerID
	tenant.Status = status
	result := db.Save(tenant)
	return result.Error
}

func DeleteTenant(db *gorm.DB, tenant *Tenant) error {
	result := db.Delete(tenant)
	return result.Error
}

// PortAllocation records every port ever handed out. Rows are never deleted,
// which is what keeps allocation monotonic across tenant removals.
type PortAllocation struct {
	Port      int    `gorm:"primaryKey"`
	TeamID    string
	CreatedAt time.Time
}

// AllocatePort returns max(allocated)+1, or BasePort when nothing has been
// allocated yet, and durably records the allocation in the same transaction.
func AllocatePort(db *gorm.DB, teamID string) (int, error) {
	var port int
	err := db.Transaction(func(tx *gorm.DB) error {
		var maxPort *int
		if err := tx.Model(&PortAllocation{}).Select("MAX(port)").Scan(&maxPort).Error; err != nil {
			return err
		}
		if maxPort == nil {
			port = BasePort
		} else {
			port = *maxPort + 1
		}
		return tx.Create(&PortAllocation{Port: port, TeamID: teamID}).Error
	})
	if err != nil {
		return 0, err
	}
	return port, nil
}
