package report

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

const (
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	AnalyticsScope  = "https://www.googleapis.com/auth/analytics.readonly"

	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	// tokens are refreshed this long before they actually expire
	expiryLeeway = time.Minute
)

// TokenSource supplies bearer tokens for the Analytics Data API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// ServiceAccountKey is the subset of a Google service-account JSON key used
// for the JWT bearer grant.
type ServiceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

func LoadServiceAccountKey(path string) (*ServiceAccountKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read credentials file")
	}
	var key ServiceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, errors.Wrap(err, "failed to parse credentials file")
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, errors.New("credentials file is missing client_email or private_key")
	}
	return &key, nil
}

// ServiceAccountTokenSource exchanges a signed JWT assertion for an access
// token and caches it until shortly before expiry.
type ServiceAccountTokenSource struct {
	key        *ServiceAccountKey
	signer     *rsa.PrivateKey
	tokenURL   string
	httpClient *http.Client
	now        func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewServiceAccountTokenSource prefers tokenURL, then the key's token_uri,
// then the public Google endpoint.
func NewServiceAccountTokenSource(key *ServiceAccountKey, tokenURL string, httpClient *http.Client) (*ServiceAccountTokenSource, error) {
	signer, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse service account private key")
	}
	if tokenURL == "" {
		tokenURL = key.TokenURI
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ServiceAccountTokenSource{
		key:        key,
		signer:     signer,
		tokenURL:   tokenURL,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (s *ServiceAccountTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiry.Add(-expiryLeeway)) {
		return s.token, nil
	}

	assertion, err := s.assertion()
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "failed to create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &UpstreamFetchError{Op: "token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &UpstreamFetchError{Op: "token", Status: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", &UpstreamFetchError{Op: "token", Err: errors.Wrap(err, "failed to decode token response")}
	}
	if tr.AccessToken == "" {
		return "", &UpstreamFetchError{Op: "token", Err: errors.New("token response has no access_token")}
	}

	s.token = tr.AccessToken
	s.expiry = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return s.token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *ServiceAccountTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func (s *ServiceAccountTokenSource) assertion() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.key.ClientEmail,
		"scope": AnalyticsScope,
		"aud":   s.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.key.PrivateKeyID != "" {
		token.Header["kid"] = s.key.PrivateKeyID
	}
	signed, err := token.SignedString(s.signer)
	return signed, errors.Wrap(err, "failed to sign token assertion")
}
