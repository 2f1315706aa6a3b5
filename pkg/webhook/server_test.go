package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, r *fakeRedis, secret string) (*Server, *Queue) {
	t.Helper()
	q := NewQueue(r, zerolog.Nop(), nil)
	p, err := NewProcessor(q, &fakeSyncer{}, 1, zerolog.Nop(), nil, nil)
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}
	return NewServer(ServerConfig{Secret: secret}, q, p, zerolog.Nop(), nil), q
}

func giteaPayload() []byte {
	payload := map[string]any{
		"action": "opened",
		"issue": map[string]any{
			"number": 42,
			"title":  "Fix login",
		},
		"repository": map[string]any{
			"name":      "app",
			"full_name": "org/app",
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func TestServerAcceptsGiteaWebhook(t *testing.T) {
	r := newFakeRedis()
	srv, _ := newTestServer(t, r, "")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitea", bytes.NewReader(giteaPayload()))
	req.Header.Set("X-Gitea-Event", "issues")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["status"] != "accepted" || resp["event_id"] == "" {
		t.Errorf("unexpected response: %v", resp)
	}
	if r.depth(pendingKey) != 1 {
		t.Errorf("expected 1 pending event, got %d", r.depth(pendingKey))
	}
}

func TestServerRejectsMissingEventHeader(t *testing.T) {
	srv, _ := newTestServer(t, newFakeRedis(), "")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitea", bytes.NewReader(giteaPayload()))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestServerVerifiesSignature(t *testing.T) {
	secret := "hunter2"
	r := newFakeRedis()
	srv, _ := newTestServer(t, r, secret)
	body := giteaPayload()

	// Missing signature
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitea", bytes.NewReader(body))
	req.Header.Set("X-Gitea-Event", "issues")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for missing signature, got %d", rec.Code)
	}

	// Wrong signature
	req = httptest.NewRequest(http.MethodPost, "/webhooks/gitea", bytes.NewReader(body))
	req.Header.Set("X-Gitea-Event", "issues")
	req.Header.Set("X-Gitea-Signature", "deadbeef")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad signature, got %d", rec.Code)
	}

	// Valid signature
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req = httptest.NewRequest(http.MethodPost, "/webhooks/gitea", bytes.NewReader(body))
	req.Header.Set("X-Gitea-Event", "issues")
	req.Header.Set("X-Gitea-Signature", sig)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202 for valid signature, got %d", rec.Code)
	}
	if r.depth(pendingKey) != 1 {
		t.Errorf("expected 1 pending event, got %d", r.depth(pendingKey))
	}
}

func TestServerAcceptsKimaiWebhook(t *testing.T) {
	r := newFakeRedis()
	srv, _ := newTestServer(t, r, "")

	body, _ := json.Marshal(map[string]any{
		"event_type": "timesheet",
		"action":     "updated",
		"timesheet":  map[string]any{"id": 12},
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/kimai", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if r.depth(pendingKey) != 1 {
		t.Errorf("expected 1 pending event, got %d", r.depth(pendingKey))
	}
}

func TestServerStatusEndpoint(t *testing.T) {
	srv, q := newTestServer(t, newFakeRedis(), "")
	if err := q.Enqueue(httptest.NewRequest(http.MethodGet, "/", nil).Context(), testEvent("ev-1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/webhooks/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status ProcessorStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid status body: %v", err)
	}
	if status.Queue.Pending != 1 {
		t.Errorf("expected 1 pending in status, got %d", status.Queue.Pending)
	}
	if status.Running {
		t.Error("processor was never started, expected running=false")
	}
}

func TestServerHealthEndpoint(t *testing.T) {
	r := newFakeRedis()
	srv, _ := newTestServer(t, r, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}

	// With the queue backend down the service reports degraded but
	// stays up
	r.setDown(true)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 in degraded mode, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if resp["status"] != "degraded" {
		t.Errorf("expected degraded, got %s", resp["status"])
	}
}
