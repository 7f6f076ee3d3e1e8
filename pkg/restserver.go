package pkg

import (
	"context"
	"errors"
	"fmt"

	"github.com/mchatman/aware-sub000/internal/auth"
	"github.com/mchatman/aware-sub000/internal/driver"
	"github.com/mchatman/aware-sub000/internal/gwtoken"
	"github.com/mchatman/aware-sub000/internal/orchestrator"
	"github.com/mchatman/aware-sub000/pkg/api"
	"github.com/mchatman/aware-sub000/pkg/config"
	"github.com/mchatman/aware-sub000/pkg/models"
	"github.com/mchatman/aware-sub000/pkg/utils"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Lifecycle abstracts the orchestrator so handlers can be unit-tested with a
// mock backend.
type Lifecycle interface {
	Provision(ctx context.Context, teamID, slug string) (*models.Tenant, error)
	Start(ctx context.Context, teamID string) (*models.Tenant, error)
	Stop(ctx context.Context, teamID string) (*models.Tenant, error)
	Remove(ctx context.Context, teamID string) error
	Inspect(ctx context.Context, teamID string) (driver.Info, error)
	SyncStatus(ctx context.Context, teamID string) (*models.Tenant, error)
}

// Server implements api.ServerInterface
type Server struct {
	db        *gorm.DB
	lifecycle Lifecycle
	gwtok     *gwtoken.Service
	confProv  config.Provider
}

// ServerOpts holds the dependencies needed to construct a Server.
type ServerOpts struct {
	DB             *gorm.DB
	Lifecycle      Lifecycle
	GatewayTokens  *gwtoken.Service
	ConfigProvider config.Provider
}

var _ api.ServerInterface = (*Server)(nil)

// NewServerWithOpts creates a Server from explicitly provided dependencies.
// GatewayTokens may be nil when no Redis is configured; the exchange endpoint
// then answers 503.
func NewServerWithOpts(opts ServerOpts) *Server {
	return &Server{
		db:        opts.DB,
		lifecycle: opts.Lifecycle,
		gwtok:     opts.GatewayTokens,
		confProv:  opts.ConfigProvider,
	}
}

func (s *Server) GetHealth(ctx echo.Context) error {
	return ctx.JSON(200, map[string]string{"status": "ok"})
}

// authorizeTeam ensures the claims may act on the path team. Admins may act
// on any team.
func (s *Server) authorizeTeam(ctx echo.Context) (*auth.Claims, string, error) {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return nil, "", echo.NewHTTPError(401)
	}
	teamID := ctx.Param("id")
	if teamID != claims.TeamID && claims.Role != "admin" {
		zap.S().Errorf("Unauthorized attempt to access team %s by team %s", teamID, claims.TeamID)
		unauthorizedTenantRequests.WithLabelValues(claims.TeamID).Inc()
		return nil, "", echo.NewHTTPError(403)
	}
	return claims, teamID, nil
}

func tenantResponse(t *models.Tenant) api.Tenant {
	return api.Tenant{
		ID:            t.ID,
		TeamID:        t.TeamID,
		ContainerName: t.ContainerName,
		GatewayURL:    t.GatewayURL,
		Status:        t.Status,
		ImageTag:      t.ImageTag,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// lifecycleError maps the orchestrator taxonomy onto HTTP responses without
// leaking raw backend error text.
func lifecycleError(ctx echo.Context, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return ctx.JSON(404, api.Error{Message: utils.Ptr("No tenant found for this team")})
	case errors.Is(err, orchestrator.ErrAlreadyProvisioned):
		return ctx.JSON(409, api.Error{Message: utils.Ptr("Tenant already provisioned for this team")})
	case errors.Is(err, orchestrator.ErrNotProvisioned):
		return ctx.JSON(409, api.Error{Message: utils.Ptr("Tenant has no backend resource; re-provision first")})
	case errors.Is(err, orchestrator.ErrResourceConflict):
		return ctx.JSON(409, api.Error{Message: utils.Ptr("A backend resource with this name already exists")})
	case errors.Is(err, orchestrator.ErrBackendUnavailable):
		return ctx.JSON(502, api.Error{Message: utils.Ptr("Orchestration backend unavailable")})
	}
	return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Lifecycle operation failed: %v", err))})
}

func (s *Server) GetTenant(ctx echo.Context) error {
	_, teamID, err := s.authorizeTeam(ctx)
	if err != nil {
		return err
	}
	tenant, err := models.GetTenantByTeam(s.db, teamID, false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.JSON(200, nil)
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to load tenant: %v", err))})
	}
	return ctx.JSON(200, tenantResponse(tenant))
}

func (s *Server) InspectTenant(ctx echo.Context) error {
	_, teamID, err := s.authorizeTeam(ctx)
	if err != nil {
		return err
	}
	info, err := s.lifecycle.Inspect(ctx.Request().Context(), teamID)
	if err != nil {
		return lifecycleError(ctx, err)
	}
	return ctx.JSON(200, api.TenantInfo{
		Running:      info.Running,
		ReplicaCount: info.ReplicaCount,
		ReadyCount:   info.ReadyCount,
	})
}

func (s *Server) ProvisionTenant(ctx echo.Context) error {
	_, teamID, err := s.authorizeTeam(ctx)
	if err != nil {
		return err
	}
	var req api.ProvisionRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	if req.Slug == "" {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("slug is required")})
	}
	provisionRequests.Inc()
	zap.S().Infof("Provision request received for team %s (slug %s)", teamID, req.Slug)

	tenant, err := s.lifecycle.Provision(ctx.Request().Context(), teamID, req.Slug)
	if err != nil {
		return lifecycleError(ctx, err)
	}
	return ctx.JSON(201, tenantResponse(tenant))
}

func (s *Server) StartTenant(ctx echo.Context) error {
	_, teamID, err := s.authorizeTeam(ctx)
	if err != nil {
		return err
	}
	tenant, err := s.lifecycle.Start(ctx.Request().Context(), teamID)
	if err != nil {
		return lifecycleError(ctx, err)
	}
	return ctx.JSON(200, tenantResponse(tenant))
}

func (s *Server) StopTenant(ctx echo.Context) error {
	_, teamID, err := s.authorizeTeam(ctx)
	if err != nil {
		return err
	}
	tenant, err := s.lifecycle.Stop(ctx.Request().Context(), teamID)
	if err != nil {
		return lifecycleError(ctx, err)
	}
	return ctx.JSON(200, tenantResponse(tenant))
}

func (s *Server) RestartTenant(ctx echo.Context) error {
	_, teamID, err := s.authorizeTeam(ctx)
	if err != nil {
		return err
	}
	if _, err := s.lifecycle.Stop(ctx.Request().Context(), teamID); err != nil {
		return lifecycleError(ctx, err)
	}
	tenant, err := s.lifecycle.Start(ctx.Request().Context(), teamID)
	if err != nil {
		return lifecycleError(ctx, err)
	}
	return ctx.JSON(200, tenantResponse(tenant))
}

func (s *Server) SyncTenant(ctx echo.Context) error {
	_, teamID, err := s.authorizeTeam(ctx)
	if err != nil {
		return err
	}
	tenant, err := s.lifecycle.SyncStatus(ctx.Request().Context(), teamID)
	if err != nil {
		return lifecycleError(ctx, err)
	}
	return ctx.JSON(200, tenantResponse(tenant))
}

func (s *Server) RemoveTenant(ctx echo.Context) error {
	_, teamID, err := s.authorizeTeam(ctx)
	if err != nil {
		return err
	}
	zap.S().Infof("Remove request received for team %s", teamID)
	if err := s.lifecycle.Remove(ctx.Request().Context(), teamID); err != nil {
		return lifecycleError(ctx, err)
	}
	// Resource deletion continues in the background.
	return ctx.NoContent(200)
}

func (s *Server) ListTenants(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if claims.Role != "admin" {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
	}
	tenants, err := models.ListTenants(s.db)
	if err != nil {
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to list tenants: %v", err))})
	}
	resp := make([]api.Tenant, 0, len(tenants))
	for i := range tenants {
		resp = append(resp, tenantResponse(&tenants[i]))
	}
	return ctx.JSON(200, resp)
}

func (s *Server) IssueAPIKey(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if claims.Role != "admin" {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
	}
	if s.gwtok == nil {
		return ctx.JSON(503, api.Error{Message: utils.Ptr("Gateway token service not configured")})
	}
	key, err := s.gwtok.IssueKey(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to issue API key: %v", err))})
	}
	return ctx.JSON(201, api.APIKeyResponse{Key: key})
}

func (s *Server) ExchangeGatewayToken(ctx echo.Context) error {
	if s.gwtok == nil {
		return ctx.JSON(503, api.Error{Message: utils.Ptr("Gateway token service not configured")})
	}
	key := ctx.Request().Header.Get("X-API-Key")
	if key == "" {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Missing API key")})
	}
	var req api.TokenExchangeRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	if req.TeamID == "" || req.UserID == "" || req.Provider == "" {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("teamId, userId, and provider are required")})
	}

	tok, err := s.gwtok.Exchange(ctx.Request().Context(), req.TeamID, key, req.UserID, req.Provider)
	if err != nil {
		switch {
		case errors.Is(err, gwtoken.ErrInvalidKey):
			return ctx.JSON(401, api.Error{Message: utils.Ptr("Invalid API key")})
		case errors.Is(err, gwtoken.ErrUnknownProvider):
			return ctx.JSON(400, api.Error{Message: utils.Ptr("Unknown provider")})
		case errors.Is(err, models.ErrNotFound):
			return ctx.JSON(404, api.Error{Message: utils.Ptr("No connected account for this user and provider")})
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Token exchange failed: %v", err))})
	}
	return ctx.JSON(200, api.TokenExchangeResponse{AccessToken: tok.AccessToken, Expiry: tok.Expiry})
}
