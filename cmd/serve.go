package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mchatman/aware-sub000/internal/auth"
	"github.com/mchatman/aware-sub000/internal/driver"
	"github.com/mchatman/aware-sub000/internal/gwtoken"
	"github.com/mchatman/aware-sub000/internal/orchestrator"
	server "github.com/mchatman/aware-sub000/pkg"
	"github.com/mchatman/aware-sub000/pkg/api"
	"github.com/mchatman/aware-sub000/pkg/config"
	"github.com/mchatman/aware-sub000/pkg/metrics"
	"github.com/mchatman/aware-sub000/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Start the Aware tenant gateway server",
	Long:  "Starts the Aware server to handle tenant gateway provisioning and lifecycle requests.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		portStr := args[0]
		if !validatePort(portStr) {
			fmt.Fprintf(os.Stderr, "Invalid port: %s\n", portStr)
			os.Exit(1)
		}

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true

		skipper := func(c echo.Context) bool {
			// Skip health check endpoint
			return c.Request().URL.Path == "/health"
		}
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:   true,
			LogMethod:   true,
			LogRemoteIP: true,
			LogURI:      true,
			Skipper:     skipper,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				zap.S().Infof("| %v | %v | %v | %v", v.RemoteIP, v.Method, v.URI, v.Status)
				return nil
			},
		}))
		e.Use(middleware.CORS())

		e.Use(echoprometheus.NewMiddleware("aware"))
		e.GET("/metrics", echoprometheus.NewHandler())
		cfg := config.Get()

		// JWT secret strictly from env when set; fall back to config
		jwtSecret := os.Getenv("JWT_SECRET")
		if jwtSecret == "" {
			jwtSecret = cfg.Auth.JWTSecret
		}
		if jwtSecret == "" {
			zap.S().Fatal("JWT_SECRET is required")
		}

		jwtConfig := echojwt.Config{
			NewClaimsFunc: func(c echo.Context) jwt.Claims {
				return new(auth.Claims)
			},
			SigningKey: []byte(jwtSecret),
			Skipper: func(c echo.Context) bool {
				// The exchange endpoint authenticates with its own API key.
				return c.Path() == "/health" || c.Path() == "/metrics" || c.Path() == "/gateway/token"
			},
		}
		e.Use(echojwt.WithConfig(jwtConfig))

		db, err := server.InitDB(cfg.Gateway.DBDSN)
		if err != nil {
			zap.S().Fatalf("Failed to initialize database: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		drv, err := driver.New(ctx, cfg)
		if err != nil {
			zap.S().Fatalf("Failed to initialize container backend: %v", err)
		}
		zap.S().Infof("Using %s container backend", drv.Name())

		orch := orchestrator.New(orchestrator.Opts{
			DB:             db,
			Driver:         drv,
			ConfigProvider: config.GlobalProvider{},
		})

		var tokenSvc *gwtoken.Service
		if cfg.Redis.Addr != "" {
			rdb, err := gwtoken.NewRedis(cfg.Redis)
			if err != nil {
				zap.S().Fatalf("Failed to connect to Redis: %v", err)
			}
			tokenSvc = gwtoken.New(db, rdb, config.GlobalProvider{})
		} else {
			zap.S().Warn("No Redis configured; gateway token exchange disabled")
		}

		prometheus.MustRegister(metrics.NewTenantCollector(db))

		if cfg.Gateway.SyncInterval > 0 && drv.Remote() {
			reconciler := scheduler.New(db, orch, cfg.Gateway.SyncInterval)
			go reconciler.Start(ctx)
		}

		srv := server.NewServerWithOpts(server.ServerOpts{
			DB:             db,
			Lifecycle:      orch,
			GatewayTokens:  tokenSvc,
			ConfigProvider: config.GlobalProvider{},
		})
		api.RegisterHandlers(e, srv)

		go func() {
			zap.S().Infof("Starting server on port %s", portStr)
			if err := e.Start(":" + portStr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Fatalf("shutting down the server: %v", err)
			}
		}()
		// Wait for interrupt signal to gracefully shut down the server
		<-ctx.Done()
		zap.S().Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to shutdown server: %v", err)
		}
		if err := orch.Wait(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to wait for background teardowns: %v", err)
		}
	},
}

func validatePort(port string) bool {
	if port == "" {
		return false
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	if portInt < 1 || portInt > 65535 {
		return false
	}
	return true
}
