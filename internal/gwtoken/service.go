// Package gwtoken implements the gateway token service: provisioned tenant
// gateways authenticate with their per-team API key to exchange a
// (userID, provider) pair for a live OAuth access token.
package gwtoken

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mchatman/aware-sub000/pkg/config"
	"github.com/mchatman/aware-sub000/pkg/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

var (
	ErrInvalidKey      = errors.New("invalid gateway API key")
	ErrUnknownProvider = errors.New("unknown OAuth provider")
)

const (
	bcryptCost = 12

	// cacheMargin keeps cached access tokens comfortably inside their real
	// expiry so a gateway never receives a token about to lapse.
	cacheMargin = time.Minute

	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultMicrosoftTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

// Token is what a gateway receives from an exchange.
type Token struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry"`
}

// Service verifies gateway API keys and exchanges them for provider tokens,
// caching live access tokens in Redis.
type Service struct {
	db       *gorm.DB
	rdb      *redis.Client
	confProv config.Provider
}

func New(db *gorm.DB, rdb *redis.Client, confProv config.Provider) *Service {
	return &Service{db: db, rdb: rdb, confProv: confProv}
}

// NewRedis connects the token cache.
func NewRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	zap.S().Infof("Connected to Redis at %s", cfg.Addr)
	return client, nil
}

// IssueKey mints a fresh API key for the team, stores its bcrypt hash, and
// returns the plaintext exactly once. Re-issuing revokes the previous key.
func (s *Service) IssueKey(ctx context.Context, teamID string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	key := "awk_" + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", err
	}
	if err := models.UpsertAPIKey(s.db.WithContext(ctx), teamID, string(hash)); err != nil {
		return "", err
	}
	return key, nil
}

// VerifyKey checks key against the team's stored hash.
func (s *Service) VerifyKey(ctx context.Context, teamID, key string) error {
	stored, err := models.GetAPIKey(s.db.WithContext(ctx), teamID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ErrInvalidKey
		}
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(stored.KeyHash), []byte(key)) != nil {
		return ErrInvalidKey
	}
	return nil
}

// Exchange returns a live access token for (userID, provider), refreshing
// through the provider's token endpoint on cache miss.
func (s *Service) Exchange(ctx context.Context, teamID, key, userID, provider string) (*Token, error) {
	if err := s.VerifyKey(ctx, teamID, key); err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("gwtoken:%s:%s", userID, provider)
	if data, err := s.rdb.Get(ctx, cacheKey).Bytes(); err == nil {
		var tok Token
		if err := json.Unmarshal(data, &tok); err == nil && time.Now().Before(tok.Expiry) {
			return &tok, nil
		}
	}

	conn, err := models.GetOAuthConnection(s.db.WithContext(ctx), userID, provider)
	if err != nil {
		return nil, err
	}

	oauthCfg, err := s.providerConfig(provider)
	if err != nil {
		return nil, err
	}

	src := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken})
	refreshed, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh %s token: %w", provider, err)
	}

	tok := &Token{AccessToken: refreshed.AccessToken, Expiry: refreshed.Expiry}
	if ttl := time.Until(tok.Expiry) - cacheMargin; ttl > 0 {
		data, _ := json.Marshal(tok)
		if err := s.rdb.Set(ctx, cacheKey, data, ttl).Err(); err != nil {
			zap.S().Warnf("Caching gateway token for %s failed: %v", userID, err)
		}
	}
	return tok, nil
}

func (s *Service) providerConfig(provider string) (*oauth2.Config, error) {
	conf := s.confProv.GetConfig()
	switch provider {
	case "google":
		tokenURL := conf.OAuth.GoogleTokenURL
		if tokenURL == "" {
			tokenURL = defaultGoogleTokenURL
		}
		return &oauth2.Config{
			ClientID:     conf.OAuth.GoogleClientID,
			ClientSecret: conf.OAuth.GoogleClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		}, nil
	case "microsoft":
		tokenURL := conf.OAuth.MicrosoftTokenURL
		if tokenURL == "" {
			tokenURL = defaultMicrosoftTokenURL
		}
		return &oauth2.Config{
			ClientID:     conf.OAuth.MicrosoftClientID,
			ClientSecret: conf.OAuth.MicrosoftClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
}
