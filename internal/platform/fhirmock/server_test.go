package fhirmock

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

func do(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", mediaType)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func signedAssertion(t *testing.T, key *rsa.PrivateKey, clientID string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS384, jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func tokenForm(assertion string) string {
	return url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	}.Encode()
}

func TestPut_CreatesThenUpdates(t *testing.T) {
	s := New()
	body := `{"resourceType":"Patient","id":"p1"}`

	rec := do(t, s, http.MethodPut, "/fhir/Patient/p1", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPut, "/fhir/Patient/p1", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d", rec.Code)
	}
	if got, ok := s.Resource("Patient", "p1"); !ok || string(got) != body {
		t.Errorf("unexpected stored resource %s", got)
	}
	if s.ResourceCount() != 1 {
		t.Errorf("expected 1 resource, got %d", s.ResourceCount())
	}
}

func TestPut_RejectsMismatch(t *testing.T) {
	s := New()
	tests := []struct {
		name string
		path string
		body string
	}{
		{"type", "/fhir/Patient/p1", `{"resourceType":"Observation","id":"p1"}`},
		{"id", "/fhir/Patient/p1", `{"resourceType":"Patient","id":"p2"}`},
		{"bad json", "/fhir/Patient/p1", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPut, tt.path, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if fhir.OutcomeDiagnostics(rec.Body.Bytes()) == "" {
				t.Errorf("expected OperationOutcome body, got %s", rec.Body.String())
			}
		})
	}
}

func TestTransaction(t *testing.T) {
	s := New()
	b := fhir.NewTransactionBundle([]*fhir.Object{
		mustObject(t, `{"resourceType":"Medication","id":"m1"}`),
		mustObject(t, `{"resourceType":"MedicationRequest","id":"mr1"}`),
	})
	data, _ := fhir.Marshal(b)

	rec := do(t, s, http.MethodPost, "/fhir", string(data), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := mustObject(t, rec.Body.String())
	if typ, _ := resp.StringField("type"); typ != "transaction-response" {
		t.Errorf("expected transaction-response, got %q", typ)
	}
	if n := len(fhir.ObjectItems(resp, "entry")); n != 2 {
		t.Errorf("expected 2 response entries, got %d", n)
	}
	if s.ResourceCount() != 2 {
		t.Errorf("expected 2 stored resources, got %d", s.ResourceCount())
	}
}

func TestTransaction_RejectsCollection(t *testing.T) {
	s := New()
	data, _ := fhir.Marshal(fhir.NewCollectionBundle(nil))
	rec := do(t, s, http.MethodPost, "/fhir", string(data), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTransaction_RejectsMismatchedURL(t *testing.T) {
	s := New()
	body := `{"resourceType":"Bundle","type":"transaction","entry":[{"resource":{"resourceType":"Patient","id":"p1"},"request":{"method":"PUT","url":"Patient/other"}}]}`
	rec := do(t, s, http.MethodPost, "/fhir", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if s.ResourceCount() != 0 {
		t.Error("rejected transaction must not store anything")
	}
}

func TestCollection(t *testing.T) {
	s := New()
	data, _ := fhir.Marshal(fhir.NewCollectionBundle([]*fhir.Object{mustObject(t, `{"resourceType":"Patient","id":"p1"}`)}))
	rec := do(t, s, http.MethodPost, "/fhir/Bundle", string(data), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Location"), "Bundle/") {
		t.Errorf("unexpected Location %q", rec.Header().Get("Location"))
	}
	if s.CollectionCount() != 1 {
		t.Errorf("expected 1 collection, got %d", s.CollectionCount())
	}
}

func TestFailWith(t *testing.T) {
	s := New()
	s.FailWith(http.MethodPost, "/fhir", http.StatusServiceUnavailable)
	rec := do(t, s, http.MethodPost, "/fhir", `{}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	reqs := s.Requests()
	if len(reqs) != 1 || reqs[0].Method != http.MethodPost || reqs[0].Path != "/fhir" {
		t.Errorf("unexpected recorded requests %+v", reqs)
	}
}

func TestRequiredAuth(t *testing.T) {
	s := New(WithRequiredAuth())
	body := `{"resourceType":"Patient","id":"p1"}`

	rec := do(t, s, http.MethodPut, "/fhir/Patient/p1", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = do(t, s, http.MethodPut, "/fhir/Patient/p1", body, map[string]string{"Authorization": "Bearer bogus"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with unknown token, got %d", rec.Code)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rec = do(t, s, http.MethodPost, "/auth/token", tokenForm(signedAssertion(t, key, "client-1", time.Now().Add(time.Minute))),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected token, got %d: %s", rec.Code, rec.Body.String())
	}
	tok := mustObject(t, rec.Body.String())
	access, _ := tok.StringField("access_token")

	rec = do(t, s, http.MethodPut, "/fhir/Patient/p1", body, map[string]string{"Authorization": "Bearer " + access})
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201 with issued token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestToken_VerifiesRegisteredKeys(t *testing.T) {
	good, _ := rsa.GenerateKey(rand.Reader, 2048)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	s := New(WithClientKey("client-1", &good.PublicKey))
	form := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	exp := time.Now().Add(time.Minute)

	tests := []struct {
		name      string
		assertion string
		want      int
	}{
		{"valid", signedAssertion(t, good, "client-1", exp), http.StatusOK},
		{"wrong key", signedAssertion(t, other, "client-1", exp), http.StatusUnauthorized},
		{"unknown client", signedAssertion(t, good, "client-2", exp), http.StatusUnauthorized},
		{"expired", signedAssertion(t, good, "client-1", time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/auth/token", tokenForm(tt.assertion), form)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestToken_RejectsWrongGrant(t *testing.T) {
	s := New()
	body := url.Values{"grant_type": {"password"}}.Encode()
	rec := do(t, s, http.MethodPost, "/auth/token", body, map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func mustObject(t *testing.T, s string) *fhir.Object {
	t.Helper()
	o, err := fhir.ParseObject([]byte(s))
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return o
}
