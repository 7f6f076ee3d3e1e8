package gwtoken

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/mchatman/aware-sub000/pkg/config"
	"github.com/mchatman/aware-sub000/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestService(t *testing.T, tokenURL string) (*Service, *miniredis.Miniredis) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.TeamAPIKey{}, &models.OAuthConnection{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		OAuth: config.OAuthConfig{
			GoogleClientID:     "google-client",
			GoogleClientSecret: "google-secret",
			GoogleTokenURL:     tokenURL,
		},
	}
	return New(db, rdb, &config.StaticProvider{Cfg: cfg}), mr
}

// tokenEndpoint serves OAuth refresh responses and counts hits.
func tokenEndpoint(t *testing.T, accessToken string, expiresIn int) (*httptest.Server, *int) {
	t.Helper()
	hits := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":%d}`, accessToken, expiresIn)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestIssueKey_ShapeAndVerify(t *testing.T) {
	s, _ := newTestService(t, "")

	key, err := s.IssueKey(context.Background(), "team1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "awk_"))
	assert.Len(t, key, len("awk_")+48)

	assert.NoError(t, s.VerifyKey(context.Background(), "team1", key))
	assert.ErrorIs(t, s.VerifyKey(context.Background(), "team1", "awk_wrong"), ErrInvalidKey)
	assert.ErrorIs(t, s.VerifyKey(context.Background(), "missing", key), ErrInvalidKey)
}

func TestIssueKey_ReissueRevokesOldKey(t *testing.T) {
	s, _ := newTestService(t, "")

	k1, err := s.IssueKey(context.Background(), "team1")
	require.NoError(t, err)
	k2, err := s.IssueKey(context.Background(), "team1")
	require.NoError(t, err)

	assert.ErrorIs(t, s.VerifyKey(context.Background(), "team1", k1), ErrInvalidKey)
	assert.NoError(t, s.VerifyKey(context.Background(), "team1", k2))
}

func TestExchange_RefreshesAndCaches(t *testing.T) {
	srv, hits := tokenEndpoint(t, "live-access-token", 3600)
	s, mr := newTestService(t, srv.URL)

	key, err := s.IssueKey(context.Background(), "team1")
	require.NoError(t, err)
	require.NoError(t, s.db.Create(&models.OAuthConnection{
		UserID:       "user1",
		Provider:     "google",
		TeamID:       "team1",
		RefreshToken: "refresh-1",
	}).Error)

	tok, err := s.Exchange(context.Background(), "team1", key, "user1", "google")
	require.NoError(t, err)
	assert.Equal(t, "live-access-token", tok.AccessToken)
	assert.True(t, tok.Expiry.After(time.Now()))
	assert.Equal(t, 1, *hits)

	// Second exchange is served from the cache.
	tok2, err := s.Exchange(context.Background(), "team1", key, "user1", "google")
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, tok2.AccessToken)
	assert.Equal(t, 1, *hits)

	// Expiring the cache entry forces a fresh refresh.
	mr.FastForward(2 * time.Hour)
	_, err = s.Exchange(context.Background(), "team1", key, "user1", "google")
	require.NoError(t, err)
	assert.Equal(t, 2, *hits)
}

func TestExchange_InvalidKey(t *testing.T) {
	s, _ := newTestService(t, "")

	_, err := s.Exchange(context.Background(), "team1", "awk_bogus", "user1", "google")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestExchange_NoConnection(t *testing.T) {
	s, _ := newTestService(t, "")

	key, err := s.IssueKey(context.Background(), "team1")
	require.NoError(t, err)

	_, err = s.Exchange(context.Background(), "team1", key, "user1", "google")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExchange_UnknownProvider(t *testing.T) {
	s, _ := newTestService(t, "")

	key, err := s.IssueKey(context.Background(), "team1")
	require.NoError(t, err)
	require.NoError(t, s.db.Create(&models.OAuthConnection{
		UserID:       "user1",
		Provider:     "github",
		TeamID:       "team1",
		RefreshToken: "refresh-1",
	}).Error)

	_, err = s.Exchange(context.Background(), "team1", key, "user1", "github")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestExchange_ShortLivedTokenNotCached(t *testing.T) {
	// 30s lifetime is inside the cache margin, so every exchange refreshes.
	srv, hits := tokenEndpoint(t, "short-token", 30)
	s, _ := newTestService(t, srv.URL)

	key, err := s.IssueKey(context.Background(), "team1")
	require.NoError(t, err)
	require.NoError(t, s.db.Create(&models.OAuthConnection{
		UserID:       "user1",
		Provider:     "google",
		TeamID:       "team1",
		RefreshToken: "refresh-1",
	}).Error)

	_, err = s.Exchange(context.Background(), "team1", key, "user1", "google")
	require.NoError(t, err)
	_, err = s.Exchange(context.Background(), "team1", key, "user1", "google")
	require.NoError(t, err)
	assert.Equal(t, 2, *hits)
}
