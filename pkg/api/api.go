package api

import (
	"time"

	"github.com/labstack/echo/v4"
)

// Error is the JSON error payload for every non-2xx response.
type Error struct {
	Message *string `json:"message,omitempty"`
}

// Tenant is the external view of a tenant row. Backend resource handles and
// the internal port mapping are deliberately absent.
type Tenant struct {
	ID            string    `json:"id"`
	TeamID        string    `json:"teamId"`
	ContainerName string    `json:"containerName"`
	GatewayURL    string    `json:"gatewayUrl"`
	Status        string    `json:"status"`
	ImageTag      string    `json:"imageTag,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TenantInfo reports the live backend state of a tenant's gateway.
type TenantInfo struct {
	Running      bool `json:"running"`
	ReplicaCount int  `json:"replicaCount"`
	ReadyCount   int  `json:"readyCount"`
}

type ProvisionRequest struct {
	Slug string `json:"slug"`
}

type APIKeyResponse struct {
	Key string `json:"key"`
}

type TokenExchangeRequest struct {
	TeamID   string `json:"teamId"`
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
}

type TokenExchangeResponse struct {
	AccessToken string    `json:"accessToken"`
	Expiry      time.Time `json:"expiry"`
}

// ServerInterface lists every handler the REST surface exposes.
type ServerInterface interface {
	GetHealth(ctx echo.Context) error
	GetTenant(ctx echo.Context) error
	InspectTenant(ctx echo.Context) error
	ProvisionTenant(ctx echo.Context) error
	StartTenant(ctx echo.Context) error
	StopTenant(ctx echo.Context) error
	RestartTenant(ctx echo.Context) error
	SyncTenant(ctx echo.Context) error
	RemoveTenant(ctx echo.Context) error
	ListTenants(ctx echo.Context) error
	IssueAPIKey(ctx echo.Context) error
	ExchangeGatewayToken(ctx echo.Context) error
}

func RegisterHandlers(e *echo.Echo, si ServerInterface) {
	e.GET("/health", si.GetHealth)

	e.GET("/teams/:id/tenant", si.GetTenant)
	e.GET("/teams/:id/tenant/inspect", si.InspectTenant)
	e.POST("/teams/:id/tenant/provision", si.ProvisionTenant)
	e.POST("/teams/:id/tenant/start", si.StartTenant)
	e.POST("/teams/:id/tenant/stop", si.StopTenant)
	e.POST("/teams/:id/tenant/restart", si.RestartTenant)
	e.POST("/teams/:id/tenant/sync", si.SyncTenant)
	e.DELETE("/teams/:id/tenant", si.RemoveTenant)
	e.POST("/teams/:id/apikey", si.IssueAPIKey)

	e.GET("/admin/tenants", si.ListTenants)

	e.POST("/gateway/token", si.ExchangeGatewayToken)
}
