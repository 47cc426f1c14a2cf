package transport

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClientAssertionType is the OAuth client assertion type used by SMART
// Backend Services.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

const (
	assertionLifetime = 5 * time.Minute
	// refreshSkew renews a cached token this long before it expires.
	refreshSkew = 30 * time.Second
)

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("static token is empty")
	}
	return string(t), nil
}

// BackendServicesConfig configures a SMART Backend Services client.
type BackendServicesConfig struct {
	TokenURL   string
	ClientID   string
	KeyID      string
	Scope      string
	PrivateKey *rsa.PrivateKey
	HTTPClient *http.Client
	// Now defaults to time.Now.
	Now func() time.Time
}

// tokenResponse is the token endpoint's JSON body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// BackendServicesTokenSource obtains access tokens with the
// client_credentials grant, authenticating with an RS384-signed JWT
// assertion, and caches each token until shortly before it expires.
type BackendServicesTokenSource struct {
	cfg BackendServicesConfig

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewBackendServicesTokenSource validates cfg.
func NewBackendServicesTokenSource(cfg BackendServicesConfig) (*BackendServicesTokenSource, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &BackendServicesTokenSource{cfg: cfg}, nil
}

// LoadRSAPrivateKey reads a PEM-encoded RSA private key.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Token implements TokenSource.
func (s *BackendServicesTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	if s.token != "" && now.Add(refreshSkew).Before(s.expiry) {
		return s.token, nil
	}

	assertion, err := s.assertion(now)
	if err != nil {
		return "", err
	}
	tok, err := s.exchange(ctx, assertion)
	if err != nil {
		return "", err
	}

	s.token = tok.AccessToken
	s.expiry = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	return s.token, nil
}

// assertion builds the signed client assertion JWT.
func (s *BackendServicesTokenSource) assertion(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.ClientID,
		Subject:   s.cfg.ClientID,
		Audience:  jwt.ClaimStrings{s.cfg.TokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if s.cfg.KeyID != "" {
		token.Header["kid"] = s.cfg.KeyID
	}
	signed, err := token.SignedString(s.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

func (s *BackendServicesTokenSource) exchange(ctx context.Context, assertion string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {ClientAssertionType},
		"client_assertion":      {assertion},
	}
	if s.cfg.Scope != "" {
		form.Set("scope", s.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Method:     http.MethodPost,
			URL:        s.cfg.TokenURL,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	if tok.TokenType != "" && !strings.EqualFold(tok.TokenType, "bearer") {
		return nil, fmt.Errorf("unsupported token type %q", tok.TokenType)
	}
	return &tok, nil
}
