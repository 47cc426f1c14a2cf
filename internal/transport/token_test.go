package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/bundlesync/internal/platform/fhir"
	"github.com/ehr/bundlesync/internal/platform/fhirmock"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestBackendServices_AgainstMock(t *testing.T) {
	key := generateKey(t)
	mock := fhirmock.New(fhirmock.WithRequiredAuth(), fhirmock.WithClientKey("bundlesync", &key.PublicKey))
	srv := httptest.NewServer(mock.Handler())
	defer srv.Close()

	ts, err := NewBackendServicesTokenSource(BackendServicesConfig{
		TokenURL:   srv.URL + "/auth/token",
		ClientID:   "bundlesync",
		KeyID:      "k1",
		Scope:      "system/*.write",
		PrivateKey: key,
	})
	if err != nil {
		t.Fatalf("NewBackendServicesTokenSource: %v", err)
	}
	c, err := NewClient(srv.URL+"/fhir", WithTokenSource(ts))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	r := mustObject(t, `{"resourceType":"Patient","id":"p1"}`)
	if _, err := c.PutResource(context.Background(), "Patient", "p1", r); err != nil {
		t.Fatalf("PutResource: %v", err)
	}
	if _, err := c.PostBundle(context.Background(), CollectionPath, fhir.NewCollectionBundle([]*fhir.Object{r})); err != nil {
		t.Fatalf("PostBundle: %v", err)
	}
	reqs := mock.Requests()
	if len(reqs) != 2 || reqs[0].Authorization == "" || reqs[0].Authorization != reqs[1].Authorization {
		t.Errorf("expected both requests to share one cached token, got %+v", reqs)
	}
}

func TestBackendServices_WrongKeyRejected(t *testing.T) {
	registered := generateKey(t)
	mock := fhirmock.New(fhirmock.WithClientKey("bundlesync", &registered.PublicKey))
	srv := httptest.NewServer(mock.Handler())
	defer srv.Close()

	ts, err := NewBackendServicesTokenSource(BackendServicesConfig{
		TokenURL:   srv.URL + "/auth/token",
		ClientID:   "bundlesync",
		PrivateKey: generateKey(t),
	})
	if err != nil {
		t.Fatalf("NewBackendServicesTokenSource: %v", err)
	}
	_, err = ts.Token(context.Background())
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", se.StatusCode)
	}
}

func TestBackendServices_CachesUntilRefresh(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":60}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts, err := NewBackendServicesTokenSource(BackendServicesConfig{
		TokenURL:   srv.URL,
		ClientID:   "c",
		PrivateKey: generateKey(t),
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewBackendServicesTokenSource: %v", err)
	}

	for i := 0; i < 3; i++ {
		if tok, err := ts.Token(context.Background()); err != nil || tok != "tok" {
			t.Fatalf("Token() = %q, %v", tok, err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 token request, got %d", n)
	}

	// Inside the refresh window.
	now = now.Add(45 * time.Second)
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected refresh, got %d requests", n)
	}
}

func TestBackendServices_RejectsNonBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"mac","expires_in":60}`))
	}))
	defer srv.Close()

	ts, err := NewBackendServicesTokenSource(BackendServicesConfig{TokenURL: srv.URL, ClientID: "c", PrivateKey: generateKey(t)})
	if err != nil {
		t.Fatalf("NewBackendServicesTokenSource: %v", err)
	}
	if _, err := ts.Token(context.Background()); err == nil {
		t.Error("expected error for non-bearer token type")
	}
}

func TestNewBackendServicesTokenSource_Validation(t *testing.T) {
	key := generateKey(t)
	tests := []struct {
		name string
		cfg  BackendServicesConfig
	}{
		{"no token url", BackendServicesConfig{ClientID: "c", PrivateKey: key}},
		{"no client id", BackendServicesConfig{TokenURL: "http://x", PrivateKey: key}},
		{"no key", BackendServicesConfig{TokenURL: "http://x", ClientID: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBackendServicesTokenSource(tt.cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadRSAPrivateKey(t *testing.T) {
	key := generateKey(t)
	path := filepath.Join(t.TempDir(), "key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	loaded, err := LoadRSAPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadRSAPrivateKey: %v", err)
	}
	if !loaded.Equal(key) {
		t.Error("loaded key differs")
	}

	if _, err := LoadRSAPrivateKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStaticToken(t *testing.T) {
	if tok, err := StaticToken("x").Token(context.Background()); err != nil || tok != "x" {
		t.Errorf("Token() = %q, %v", tok, err)
	}
	if _, err := StaticToken("").Token(context.Background()); err == nil {
		t.Error("expected error for empty token")
	}
}
