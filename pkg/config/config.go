package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling the global Get() directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Auth    AuthConfig    `mapstructure:"auth"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	AWS     *AWSConfig    `mapstructure:"aws"`   // Task-and-service backend; nil when not configured
	Kube    *KubeConfig   `mapstructure:"kube"`  // Pod backend; nil when not configured
	Redis   RedisConfig   `mapstructure:"redis"` // Token cache for the gateway token service
	OAuth   OAuthConfig   `mapstructure:"oauth"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type GatewayConfig struct {
	BaseDomain   string        `mapstructure:"base_domain"`             // Domain gateways are exposed under, e.g. "gw.aware.sh"
	ImageTag     string        `mapstructure:"image_tag"`               // Container image for tenant gateways
	BasePort     int           `mapstructure:"base_port,omitempty"`     // First logical port handed out by the allocator
	HealthPath   string        `mapstructure:"health_path,omitempty"`   // Gateway readiness/liveness path
	DBDSN        string        `mapstructure:"db_dsn"`                  // postgres:// DSN or a sqlite file path
	SyncInterval time.Duration `mapstructure:"sync_interval,omitempty"` // Status reconciler sweep interval; 0 disables
	StopTimeout  time.Duration `mapstructure:"stop_timeout,omitempty"`  // Bound on the synchronous scale-to-zero during remove
}

type AWSConfig struct {
	Region           string   `mapstructure:"region"`
	Cluster          string   `mapstructure:"cluster"`            // ECS cluster name
	ListenerARN      string   `mapstructure:"listener_arn"`       // Shared ALB listener for host routing rules
	VPCID            string   `mapstructure:"vpc_id"`             // VPC for per-tenant target groups
	Subnets          []string `mapstructure:"subnets"`            // awsvpc task networking
	SecurityGroups   []string `mapstructure:"security_groups"`    //
	ExecutionRoleARN string   `mapstructure:"execution_role_arn"` //
	TaskRoleARN      string   `mapstructure:"task_role_arn"`      //
	SecretPrefix     string   `mapstructure:"secret_prefix"`      // Prefix for per-tenant gateway secrets
}

type KubeConfig struct {
	Namespace    string `mapstructure:"namespace"`     // Fixed tenant namespace
	ClusterName  string `mapstructure:"cluster_name"`  // EKS cluster to describe for endpoint/CA when no static override
	Region       string `mapstructure:"region"`        //
	Endpoint     string `mapstructure:"endpoint"`      // Static dev override: API server URL
	CACert       string `mapstructure:"ca_cert"`       // Static dev override: base64 CA bundle
	Token        string `mapstructure:"token"`         // Static dev override: bearer token
	IngressClass string `mapstructure:"ingress_class"` //
	TLSSecret    string `mapstructure:"tls_secret"`    // Wildcard cert secret used by tenant ingresses
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `mapstructure:"password"` // Redis password (optional)
	DB       int    `mapstructure:"db"`       // Redis database number (default: 0)
}

// OAuthConfig carries the provider endpoints the gateway token service
// refreshes access tokens against.
type OAuthConfig struct {
	GoogleClientID        string `mapstructure:"google_client_id"`
	GoogleClientSecret    string `mapstructure:"google_client_secret"`
	GoogleTokenURL        string `mapstructure:"google_token_url,omitempty"`
	MicrosoftClientID     string `mapstructure:"microsoft_client_id"`
	MicrosoftClientSecret string `mapstructure:"microsoft_client_secret"`
	MicrosoftTokenURL     string `mapstructure:"microsoft_token_url,omitempty"`
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load() error {
	zap.S().Infof("Loading config from %s", viper.ConfigFileUsed())
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	zap.S().Info("Config loaded successfully")
	current = cfg
	return nil
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload() error {
	return Load()
}

func LoadDefaults() error {
	mu.Lock()
	defer mu.Unlock()

	current = &Config{
		Auth: AuthConfig{
			JWTSecret: "defaultsecret",
		},
		Gateway: GatewayConfig{
			BaseDomain: "localhost",
			BasePort:   18000,
			HealthPath: "/health",
			DBDSN:      "aware.db",
		},
	}
	return nil
}
