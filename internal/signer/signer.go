// Package signer mints bearer tokens for the EKS control plane by presigning
// an STS GetCallerIdentity call directly, so the service needs neither the
// vendor CLI nor its token helper at runtime.
package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

const (
	tokenPrefix   = "k8s-aws-v1."
	clusterHeader = "x-k8s-aws-id"

	// presignExpiry is what the URL advertises; tokenValidity is the
	// conservative window we cache for. The control plane accepts the token
	// for 15 minutes; refreshing a minute early avoids ever presenting an
	// expired one mid-request.
	presignExpiry = 15 * time.Minute
	tokenValidity = 14 * time.Minute
)

// now is stubbed in tests.
var now = time.Now

type cachedToken struct {
	token   string
	expires time.Time
}

// Signer produces and caches presigned bearer tokens per cluster.
type Signer struct {
	creds  aws.CredentialsProvider
	region string

	mu    sync.Mutex
	cache map[string]cachedToken
}

func New(creds aws.CredentialsProvider, region string) *Signer {
	return &Signer{
		creds:  creds,
		region: region,
		cache:  make(map[string]cachedToken),
	}
}

// Token returns a bearer token for clusterName, reusing the cached one while
// it is still inside the validity window.
func (s *Signer) Token(ctx context.Context, clusterName string) (string, error) {
	s.mu.Lock()
	if cached, ok := s.cache[clusterName]; ok && now().Before(cached.expires) {
		s.mu.Unlock()
		return cached.token, nil
	}
	s.mu.Unlock()

	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}

	issued := now().UTC()
	signed := presign(creds, s.region, clusterName, issued)
	token := tokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(signed))

	s.mu.Lock()
	s.cache[clusterName] = cachedToken{token: token, expires: issued.Add(tokenValidity)}
	s.mu.Unlock()

	return token, nil
}

// presign builds the signed GetCallerIdentity URL using the four-step SigV4
// process: canonical request, string to sign, derived signing key, signature.
func presign(creds aws.Credentials, region, clusterName string, t time.Time) string {
	host := fmt.Sprintf("sts.%s.amazonaws.com", region)
	amzDate := t.Format("20060102T150405Z")
	shortDate := t.Format("20060102")
	scope := shortDate + "/" + region + "/sts/aws4_request"

	query := url.Values{}
	query.Set("Action", "GetCallerIdentity")
	query.Set("Version", "2011-06-15")
	query.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	query.Set("X-Amz-Credential", creds.AccessKeyID+"/"+scope)
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", fmt.Sprintf("%d", int(presignExpiry.Seconds())))
	query.Set("X-Amz-SignedHeaders", "host;"+clusterHeader)
	if creds.SessionToken != "" {
		query.Set("X-Amz-Security-Token", creds.SessionToken)
	}

	canonicalHeaders := "host:" + host + "\n" + clusterHeader + ":" + clusterName + "\n"
	signedHeaders := "host;" + clusterHeader
	emptyPayloadHash := hashHex("")

	canonicalRequest := strings.Join([]string{
		"GET",
		"/",
		query.Encode(),
		canonicalHeaders,
		signedHeaders,
		emptyPayloadHash,
	}, "\n")

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hashHex(canonicalRequest),
	}, "\n")

	key := deriveKey(creds.SecretAccessKey, shortDate, region, "sts")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	query.Set("X-Amz-Signature", signature)
	return "https://" + host + "/?" + query.Encode()
}

// deriveKey runs the HMAC chain seeded from the date/region/service scope.
func deriveKey(secret, shortDate, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), shortDate)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hashHex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
