// Package fhirmock provides an in-memory FHIR endpoint that accepts the
// requests bundlesync sends. It backs dry runs against a local process and
// the transport and pipeline tests.
package fhirmock

import (
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

const (
	mediaType = "application/fhir+json"

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	tokenLifetime       = 5 * time.Minute
)

// Request is one recorded request.
type Request struct {
	Method        string
	Path          string
	ContentType   string
	Accept        string
	Authorization string
	Body          []byte
}

// Server is a thread-safe in-memory FHIR receiver.
type Server struct {
	mu         sync.Mutex
	requests   []Request
	failures   map[string]int
	resources  map[string][]byte
	bundles    map[string][]byte
	tokens     map[string]time.Time
	clientKeys map[string]*rsa.PublicKey

	requireAuth bool
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger logs each handled request.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRequiredAuth rejects FHIR requests without a bearer token issued by
// the token endpoint.
func WithRequiredAuth() Option {
	return func(s *Server) { s.requireAuth = true }
}

// WithClientKey registers a backend-services client whose assertions must be
// signed by key. Without registered keys assertions are accepted unverified.
func WithClientKey(clientID string, key *rsa.PublicKey) Option {
	return func(s *Server) { s.clientKeys[clientID] = key }
}

// New returns an empty Server.
func New(opts ...Option) *Server {
	s := &Server{
		failures:   make(map[string]int),
		resources:  make(map[string][]byte),
		bundles:    make(map[string][]byte),
		tokens:     make(map[string]time.Time),
		clientKeys: make(map[string]*rsa.PublicKey),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an Echo instance serving the mock endpoints.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.RegisterRoutes(e)
	return e
}

// RegisterRoutes mounts the FHIR endpoints under /fhir and the token
// endpoint at /auth/token.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/auth/token", s.handleToken)

	g := e.Group("/fhir", s.record, s.auth)
	g.POST("", s.handleTransaction)
	g.POST("/", s.handleTransaction)
	g.POST("/Bundle", s.handleCollection)
	g.PUT("/:type/:id", s.handlePut)
}

// FailWith makes every request matching method and path answer status.
func (s *Server) FailWith(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = status
}

// Requests returns a copy of the recorded FHIR requests in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Resource returns the last stored body for resourceType/id.
func (s *Server) Resource(resourceType, id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.resources[fhir.FormatReference(resourceType, id)]
	return b, ok
}

// ResourceCount returns the number of distinct stored resources.
func (s *Server) ResourceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

// CollectionCount returns the number of stored collection bundles.
func (s *Server) CollectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bundles)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (s *Server) record(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return writeOutcome(c, http.StatusBadRequest, fhir.IssueTypeStructure, "unreadable body")
		}
		c.Set("body", body)

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:        req.Method,
			Path:          req.URL.Path,
			ContentType:   req.Header.Get("Content-Type"),
			Accept:        req.Header.Get("Accept"),
			Authorization: req.Header.Get("Authorization"),
			Body:          body,
		})
		status, fail := s.failures[req.Method+" "+req.URL.Path]
		s.mu.Unlock()

		if fail {
			s.logger.Info().Str("method", req.Method).Str("path", req.URL.Path).Int("status", status).Msg("scripted failure")
			return writeOutcome(c, status, fhir.IssueTypeProcessing, fmt.Sprintf("scripted failure for %s %s", req.Method, req.URL.Path))
		}
		err = next(c)
		s.logger.Info().Str("method", req.Method).Str("path", req.URL.Path).Int("status", c.Response().Status).Msg("request")
		return err
	}
}

func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.requireAuth {
			return next(c)
		}
		header := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return writeOutcome(c, http.StatusUnauthorized, fhir.IssueTypeLogin, "missing bearer token")
		}
		s.mu.Lock()
		expiry, known := s.tokens[token]
		s.mu.Unlock()
		if !known || !s.now().Before(expiry) {
			return writeOutcome(c, http.StatusUnauthorized, fhir.IssueTypeLogin, "invalid or expired bearer token")
		}
		return next(c)
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handlePut(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	res, err := fhir.ParseObject(requestBody(c))
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhir.IssueTypeStructure, err.Error())
	}
	if got := fhir.ResourceType(res); got != resourceType {
		return writeOutcome(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
			fmt.Sprintf("resourceType %q does not match endpoint %q", got, resourceType))
	}
	if got := fhir.ID(res); got != id {
		return writeOutcome(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
			fmt.Sprintf("id %q does not match endpoint %q", got, id))
	}

	created := s.store(res)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return writeFHIR(c, status, res)
}

func (s *Server) handleTransaction(c echo.Context) error {
	root, err := fhir.ParseObject(requestBody(c))
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhir.IssueTypeStructure, err.Error())
	}
	if typ, _ := root.StringField("type"); fhir.ResourceType(root) != "Bundle" || typ != fhir.BundleTypeTransaction {
		return writeOutcome(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
			fmt.Sprintf("expected a transaction Bundle, got %s %q", fhir.ResourceType(root), typ))
	}

	entries := fhir.ObjectItems(root, "entry")
	resources := make([]*fhir.Object, 0, len(entries))
	for i, entry := range entries {
		req := entry.ObjectField("request")
		method, _ := req.StringField("method")
		url, _ := req.StringField("url")
		res := entry.ObjectField("resource")
		if method != http.MethodPut || res == nil {
			return writeOutcome(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
				fmt.Sprintf("entry %d: only PUT entries with a resource are supported", i))
		}
		if want := fhir.FormatReference(fhir.ResourceType(res), fhir.ID(res)); url != want {
			return writeOutcome(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
				fmt.Sprintf("entry %d: request url %q does not match resource %q", i, url, want))
		}
		resources = append(resources, res)
	}

	resp := transactionResponse{ResourceType: "Bundle", ID: uuid.New().String(), Type: "transaction-response", Entry: []responseEntry{}}
	for _, res := range resources {
		status := "200 OK"
		if s.store(res) {
			status = "201 Created"
		}
		resp.Entry = append(resp.Entry, responseEntry{Response: entryResponse{
			Status:   status,
			Location: fhir.FormatReference(fhir.ResourceType(res), fhir.ID(res)),
		}})
	}
	return writeFHIR(c, http.StatusOK, resp)
}

func (s *Server) handleCollection(c echo.Context) error {
	root, err := fhir.ParseObject(requestBody(c))
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhir.IssueTypeStructure, err.Error())
	}
	if rt := fhir.ResourceType(root); rt != "Bundle" {
		return writeOutcome(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
			fmt.Sprintf("expected a Bundle, got %q", rt))
	}
	id := uuid.New().String()
	root.SetString("id", id)
	data, err := fhir.Marshal(root)
	if err != nil {
		return writeOutcome(c, http.StatusInternalServerError, fhir.IssueTypeProcessing, err.Error())
	}

	s.mu.Lock()
	s.bundles[id] = data
	s.mu.Unlock()

	c.Response().Header().Set("Location", "Bundle/"+id)
	return c.Blob(http.StatusCreated, mediaType, data)
}

func (s *Server) handleToken(c echo.Context) error {
	if c.FormValue("grant_type") != "client_credentials" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
	if c.FormValue("client_assertion_type") != clientAssertionType {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_client"})
	}
	claims, err := s.verifyAssertion(c.FormValue("client_assertion"))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":             "invalid_client",
			"error_description": err.Error(),
		})
	}

	token := uuid.New().String()
	s.mu.Lock()
	s.tokens[token] = s.now().Add(tokenLifetime)
	s.mu.Unlock()

	s.logger.Info().Str("client_id", claims.Issuer).Msg("issued access token")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(tokenLifetime.Seconds()),
		"scope":        c.FormValue("scope"),
	})
}

// verifyAssertion checks a SMART backend-services client assertion. The
// signature is verified when the issuing client has a registered key.
func (s *Server) verifyAssertion(assertion string) (*jwt.RegisteredClaims, error) {
	if assertion == "" {
		return nil, fmt.Errorf("client_assertion is required")
	}
	claims := &jwt.RegisteredClaims{}
	unverified, _, err := jwt.NewParser().ParseUnverified(assertion, claims)
	if err != nil {
		return nil, fmt.Errorf("malformed client assertion: %w", err)
	}
	if claims.Issuer == "" || claims.Issuer != claims.Subject {
		return nil, fmt.Errorf("client assertion iss and sub must name the client")
	}

	s.mu.Lock()
	key, registered := s.clientKeys[claims.Issuer]
	s.mu.Unlock()

	if registered {
		verified := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(assertion, verified, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{"RS384"}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
		if err != nil {
			return nil, fmt.Errorf("client assertion rejected: %w", err)
		}
		return verified, nil
	}
	if len(s.clientKeys) > 0 {
		return nil, fmt.Errorf("unknown client %q", claims.Issuer)
	}
	if exp, _ := unverified.Claims.GetExpirationTime(); exp == nil || !s.now().Before(exp.Time) {
		return nil, fmt.Errorf("client assertion is expired")
	}
	return claims, nil
}

// store saves res and reports whether it was new.
func (s *Server) store(res *fhir.Object) bool {
	data, _ := fhir.Marshal(res)
	key := fhir.FormatReference(fhir.ResourceType(res), fhir.ID(res))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.resources[key]
	s.resources[key] = data
	return !existed
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type transactionResponse struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Entry        []responseEntry `json:"entry"`
}

type responseEntry struct {
	Response entryResponse `json:"response"`
}

type entryResponse struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
}

func requestBody(c echo.Context) []byte {
	b, _ := c.Get("body").([]byte)
	return b
}

func writeFHIR(c echo.Context, status int, v interface{}) error {
	data, err := fhir.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, mediaType, data)
}

func writeOutcome(c echo.Context, status int, code, diagnostics string) error {
	return writeFHIR(c, status, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, diagnostics))
}
