package recipe

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/mchatman/aware-sub000/pkg/config"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Spec is everything a backend driver needs to realize one tenant gateway.
// Building it performs no I/O; the only non-determinism is the fresh token.
type Spec struct {
	ContainerName string
	Port          int
	GatewayURL    string
	Token         string
	ImageTag      string
	HealthPath    string
}

var transformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)), // Mn = non-spacing marks (the accent part)
	norm.NFC,
)
var invalidChars = regexp.MustCompile(`[^a-z0-9-]+`)

func toASCII(s string) string {
	result, _, _ := transform.String(transformer, s)
	return result
}

// SanitizeSlug lowercases and strips the slug down to a DNS-label-safe form.
// Upstream guarantees uniqueness; this only guards the character set.
func SanitizeSlug(name string) string {
	s := toASCII(strings.ToLower(name))
	s = invalidChars.ReplaceAllString(s, "-")
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	s = strings.TrimRight(s, "-")
	return s
}

// newToken returns a fresh 256-bit hex token. Never reused across tenants or
// across re-provisions of the same team.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Build produces the tenant spec for a team slug and allocated port.
// remote selects the wss gateway URL form; local mode points at loopback.
func Build(slug string, port int, remote bool, cfg *config.Config) (*Spec, error) {
	name := SanitizeSlug(slug)
	if name == "" {
		return nil, fmt.Errorf("slug %q sanitizes to an empty container name", slug)
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate gateway token: %w", err)
	}

	gatewayURL := fmt.Sprintf("http://localhost:%d", port)
	if remote {
		gatewayURL = fmt.Sprintf("wss://%s.%s", name, cfg.Gateway.BaseDomain)
	}

	healthPath := cfg.Gateway.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}

	return &Spec{
		ContainerName: name,
		Port:          port,
		GatewayURL:    gatewayURL,
		Token:         token,
		ImageTag:      cfg.Gateway.ImageTag,
		HealthPath:    healthPath,
	}, nil
}
