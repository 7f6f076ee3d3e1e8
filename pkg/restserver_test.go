package pkg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/mchatman/aware-sub000/internal/auth"
	"github.com/mchatman/aware-sub000/internal/driver"
	"github.com/mchatman/aware-sub000/internal/orchestrator"
	"github.com/mchatman/aware-sub000/pkg/api"
	"github.com/mchatman/aware-sub000/pkg/config"
	"github.com/mchatman/aware-sub000/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Mock Lifecycle
// ---------------------------------------------------------------------------

type mockLifecycle struct {
	provisionCalls []provisionCall
	startCalls     []string
	stopCalls      []string
	removeCalls    []string
	syncCalls      []string

	provisionFn func(ctx context.Context, teamID, slug string) (*models.Tenant, error)
	startFn     func(ctx context.Context, teamID string) (*models.Tenant, error)
	stopFn      func(ctx context.Context, teamID string) (*models.Tenant, error)
	removeFn    func(ctx context.Context, teamID string) error
	inspectFn   func(ctx context.Context, teamID string) (driver.Info, error)
	syncFn      func(ctx context.Context, teamID string) (*models.Tenant, error)
}

type provisionCall struct {
	TeamID string
	Slug   string
}

func runningTenant(teamID string) *models.Tenant {
	handle := "arn:aws:ecs:service/acme"
	return &models.Tenant{
		ID:            "11111111-1111-1111-1111-111111111111",
		TeamID:        teamID,
		ContainerName: "acme",
		Port:          18000,
		GatewayURL:    "wss://acme.gw.example.com",
		Status:        models.TenantStatusRunning,
		ContainerID:   &handle,
		ImageTag:      "gateway:v3",
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
}

func (m *mockLifecycle) Provision(ctx context.Context, teamID, slug string) (*models.Tenant, error) {
	m.provisionCalls = append(m.provisionCalls, provisionCall{TeamID: teamID, Slug: slug})
	if m.provisionFn != nil {
		return m.provisionFn(ctx, teamID, slug)
	}
	return runningTenant(teamID), nil
}

func (m *mockLifecycle) Start(ctx context.Context, teamID string) (*models.Tenant, error) {
	m.startCalls = append(m.startCalls, teamID)
	if m.startFn != nil {
		return m.startFn(ctx, teamID)
	}
	return runningTenant(teamID), nil
}

func (m *mockLifecycle) Stop(ctx context.Context, teamID string) (*models.Tenant, error) {
	m.stopCalls = append(m.stopCalls, teamID)
	if m.stopFn != nil {
		return m.stopFn(ctx, teamID)
	}
	t := runningTenant(teamID)
	t.Status = models.TenantStatusStopped
	return t, nil
}

func (m *mockLifecycle) Remove(ctx context.Context, teamID string) error {
	m.removeCalls = append(m.removeCalls, teamID)
	if m.removeFn != nil {
		return m.removeFn(ctx, teamID)
	}
	return nil
}

func (m *mockLifecycle) Inspect(ctx context.Context, teamID string) (driver.Info, error) {
	if m.inspectFn != nil {
		return m.inspectFn(ctx, teamID)
	}
	return driver.Info{Running: true, ReplicaCount: 1, ReadyCount: 1}, nil
}

func (m *mockLifecycle) SyncStatus(ctx context.Context, teamID string) (*models.Tenant, error) {
	m.syncCalls = append(m.syncCalls, teamID)
	if m.syncFn != nil {
		return m.syncFn(ctx, teamID)
	}
	return runningTenant(teamID), nil
}

var _ Lifecycle = (*mockLifecycle)(nil)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestServerWithMock(t *testing.T, lifecycle Lifecycle) *Server {
	t.Helper()
	db, err := InitDB(":memory:")
	require.NoError(t, err)

	cfg := &config.Config{
		Auth:    config.AuthConfig{JWTSecret: "testsecret"},
		Gateway: config.GatewayConfig{BaseDomain: "gw.example.com"},
	}
	return NewServerWithOpts(ServerOpts{
		DB:             db,
		Lifecycle:      lifecycle,
		ConfigProvider: &config.StaticProvider{Cfg: cfg},
	})
}

func echoCtxWithClaimsAndBody(method, path string, claims *auth.Claims, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if claims != nil {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		c.Set("user", token)
	}
	return c, rec
}

func withTeamParam(c echo.Context, teamID string) echo.Context {
	c.SetParamNames("id")
	c.SetParamValues(teamID)
	return c
}

func teamClaims(teamID string) *auth.Claims {
	return &auth.Claims{TeamID: teamID, UserID: "user1", Role: "user"}
}

func adminClaims() *auth.Claims {
	return &auth.Claims{TeamID: "admin-team", UserID: "admin1", Role: "admin"}
}

// ---------------------------------------------------------------------------
// GetHealth
// ---------------------------------------------------------------------------

func TestGetHealth(t *testing.T) {
	srv := newTestServerWithMock(t, &mockLifecycle{})

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/health", nil, "")
	err := srv.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

// ---------------------------------------------------------------------------
// ProvisionTenant
// ---------------------------------------------------------------------------

func TestProvisionTenant_Success(t *testing.T) {
	lifecycle := &mockLifecycle{}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/provision", teamClaims("team1"), `{"slug":"Acme Corp"}`)
	withTeamParam(ctx, "team1")

	err := srv.ProvisionTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, lifecycle.provisionCalls, 1)
	assert.Equal(t, provisionCall{TeamID: "team1", Slug: "Acme Corp"}, lifecycle.provisionCalls[0])

	var resp api.Tenant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "wss://acme.gw.example.com", resp.GatewayURL)
	assert.Equal(t, models.TenantStatusRunning, resp.Status)
	// Infrastructure identifiers stay internal.
	assert.NotContains(t, rec.Body.String(), "arn:aws:ecs")
	assert.NotContains(t, rec.Body.String(), "18000")
}

func TestProvisionTenant_Conflict(t *testing.T) {
	lifecycle := &mockLifecycle{
		provisionFn: func(_ context.Context, _, _ string) (*models.Tenant, error) {
			return nil, orchestrator.ErrAlreadyProvisioned
		},
	}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/provision", teamClaims("team1"), `{"slug":"acme"}`)
	withTeamParam(ctx, "team1")

	err := srv.ProvisionTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProvisionTenant_BackendUnavailable(t *testing.T) {
	lifecycle := &mockLifecycle{
		provisionFn: func(_ context.Context, _, _ string) (*models.Tenant, error) {
			return nil, fmt.Errorf("%w: i/o timeout", orchestrator.ErrBackendUnavailable)
		},
	}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/provision", teamClaims("team1"), `{"slug":"acme"}`)
	withTeamParam(ctx, "team1")

	err := srv.ProvisionTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProvisionTenant_MissingSlug(t *testing.T) {
	lifecycle := &mockLifecycle{}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/provision", teamClaims("team1"), `{}`)
	withTeamParam(ctx, "team1")

	err := srv.ProvisionTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, lifecycle.provisionCalls)
}

func TestProvisionTenant_WrongTeamForbidden(t *testing.T) {
	lifecycle := &mockLifecycle{}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, _ := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team2/tenant/provision", teamClaims("team1"), `{"slug":"acme"}`)
	withTeamParam(ctx, "team2")

	err := srv.ProvisionTenant(ctx)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
	assert.Empty(t, lifecycle.provisionCalls)
}

func TestProvisionTenant_AdminCanActOnAnyTeam(t *testing.T) {
	lifecycle := &mockLifecycle{}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team2/tenant/provision", adminClaims(), `{"slug":"acme"}`)
	withTeamParam(ctx, "team2")

	err := srv.ProvisionTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, lifecycle.provisionCalls, 1)
	assert.Equal(t, "team2", lifecycle.provisionCalls[0].TeamID)
}

func TestProvisionTenant_NoClaims(t *testing.T) {
	srv := newTestServerWithMock(t, &mockLifecycle{})

	ctx, _ := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/provision", nil, `{"slug":"acme"}`)
	withTeamParam(ctx, "team1")

	err := srv.ProvisionTenant(ctx)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

// ---------------------------------------------------------------------------
// GetTenant
// ---------------------------------------------------------------------------

func TestGetTenant_Found(t *testing.T) {
	srv := newTestServerWithMock(t, &mockLifecycle{})
	_, err := models.CreateTenant(srv.db, "team1", "acme", "wss://acme.gw.example.com", "gateway:v3", 18000)
	require.NoError(t, err)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/teams/team1/tenant", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err = srv.GetTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp api.Tenant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.ContainerName)
	assert.Equal(t, models.TenantStatusProvisioning, resp.Status)
}

func TestGetTenant_NoneIsNull(t *testing.T) {
	srv := newTestServerWithMock(t, &mockLifecycle{})

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/teams/team1/tenant", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.GetTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}

// ---------------------------------------------------------------------------
// Start / Stop / Restart
// ---------------------------------------------------------------------------

func TestStartTenant(t *testing.T) {
	lifecycle := &mockLifecycle{}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/start", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.StartTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"team1"}, lifecycle.startCalls)
}

func TestStopTenant_NotProvisioned(t *testing.T) {
	lifecycle := &mockLifecycle{
		stopFn: func(_ context.Context, _ string) (*models.Tenant, error) {
			return nil, orchestrator.ErrNotProvisioned
		},
	}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/stop", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.StopTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartTenant_NoRow(t *testing.T) {
	lifecycle := &mockLifecycle{
		startFn: func(_ context.Context, _ string) (*models.Tenant, error) {
			return nil, models.ErrNotFound
		},
	}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/start", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.StartTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestartTenant_StopsThenStarts(t *testing.T) {
	lifecycle := &mockLifecycle{}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/restart", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.RestartTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"team1"}, lifecycle.stopCalls)
	assert.Equal(t, []string{"team1"}, lifecycle.startCalls)
}

func TestRestartTenant_StopFailureShortCircuits(t *testing.T) {
	lifecycle := &mockLifecycle{
		stopFn: func(_ context.Context, _ string) (*models.Tenant, error) {
			return nil, fmt.Errorf("%w: connection refused", orchestrator.ErrBackendUnavailable)
		},
	}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/restart", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.RestartTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, lifecycle.startCalls)
}

// ---------------------------------------------------------------------------
// RemoveTenant
// ---------------------------------------------------------------------------

func TestRemoveTenant(t *testing.T) {
	lifecycle := &mockLifecycle{}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/teams/team1/tenant", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.RemoveTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"team1"}, lifecycle.removeCalls)
}

func TestRemoveTenant_NoRow(t *testing.T) {
	lifecycle := &mockLifecycle{
		removeFn: func(_ context.Context, _ string) error {
			return models.ErrNotFound
		},
	}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/teams/team1/tenant", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.RemoveTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ---------------------------------------------------------------------------
// InspectTenant / SyncTenant
// ---------------------------------------------------------------------------

func TestInspectTenant(t *testing.T) {
	srv := newTestServerWithMock(t, &mockLifecycle{})

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/teams/team1/tenant/inspect", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.InspectTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp api.TenantInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Running)
	assert.Equal(t, 1, resp.ReplicaCount)
}

func TestSyncTenant(t *testing.T) {
	lifecycle := &mockLifecycle{}
	srv := newTestServerWithMock(t, lifecycle)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/tenant/sync", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.SyncTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"team1"}, lifecycle.syncCalls)
}

// ---------------------------------------------------------------------------
// ListTenants
// ---------------------------------------------------------------------------

func TestListTenants_AdminOnly(t *testing.T) {
	srv := newTestServerWithMock(t, &mockLifecycle{})
	_, err := models.CreateTenant(srv.db, "team1", "acme", "wss://acme.gw.example.com", "gateway:v3", 18000)
	require.NoError(t, err)
	_, err = models.CreateTenant(srv.db, "team2", "globex", "wss://globex.gw.example.com", "gateway:v3", 18001)
	require.NoError(t, err)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/admin/tenants", adminClaims(), "")
	err = srv.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp []api.Tenant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 2)
}

func TestListTenants_NonAdminForbidden(t *testing.T) {
	srv := newTestServerWithMock(t, &mockLifecycle{})

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/admin/tenants", teamClaims("team1"), "")
	err := srv.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// ---------------------------------------------------------------------------
// ExchangeGatewayToken
// ---------------------------------------------------------------------------

func TestExchangeGatewayToken_NotConfigured(t *testing.T) {
	srv := newTestServerWithMock(t, &mockLifecycle{})

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/gateway/token", nil, `{"teamId":"team1","userId":"user1","provider":"google"}`)
	ctx.Request().Header.Set("X-API-Key", "awk_test")

	err := srv.ExchangeGatewayToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIssueAPIKey_NonAdminForbidden(t *testing.T) {
	srv := newTestServerWithMock(t, &mockLifecycle{})

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/teams/team1/apikey", teamClaims("team1"), "")
	withTeamParam(ctx, "team1")

	err := srv.IssueAPIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
