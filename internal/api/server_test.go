package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/org/soaportal/internal/blob"
	"github.com/org/soaportal/internal/storage"
	"github.com/org/soaportal/internal/users"
	"github.com/org/soaportal/pkg/models"
)

const day = 24 * time.Hour

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv          *Server
	handler      http.Handler
	store        *storage.MemoryBackend
	clock        *testClock
	adminToken   string
	patient      *models.User
	patientToken string
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryBackend()
	clock := &testClock{t: time.Date(2025, 5, 7, 10, 0, 0, 0, time.UTC)}
	srv, err := NewServer(store, blob.NewMemStore("http://soa.test/storage"), Config{
		PublicBaseURL:  "http://soa.test",
		LinkSecret:     []byte("test-link-secret-0123456789abcdef"),
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Clock:          clock.Now,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	env := &testEnv{srv: srv, handler: srv.BuildRouter(), store: store, clock: clock}
	env.adminToken = createUserAndLogin(t, srv, "Admin", "admin@soa.test", models.RoleAdmin)
	env.patientToken = createUserAndLogin(t, srv, "Jane Patient", "jane@soa.test", models.RolePatient)
	env.patient, _ = store.GetUserByEmail(context.Background(), "jane@soa.test")
	return env
}

func createUserAndLogin(t *testing.T, srv *Server, name, email string, role models.Role) string {
	t.Helper()
	ctx := context.Background()
	_, err := srv.users.Create(ctx, users.CreateInput{
		Name: name, Email: email, Password: "secret123", PasswordConfirmation: "secret123", Role: string(role),
	})
	if err != nil {
		t.Fatalf("creating %s: %v", email, err)
	}
	_, token, err := srv.sessions.Login(ctx, email, "secret123")
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return token
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, token string) *httptest.ResponseRecorder {
	return doRequest(t, handler, http.MethodPost, path, body, token)
}

func getJSON(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	return doRequest(t, handler, http.MethodGet, path, nil, token)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	return m
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	d, ok := decodeBody(t, w)["data"].(map[string]any)
	if !ok {
		t.Fatal("response has no data object")
	}
	return d
}

// requestURI reduces an absolute link to what a client sends on the wire.
func requestURI(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}
	return u.RequestURI()
}

func createStatement(t *testing.T, env *testEnv, patientID int64) int64 {
	t.Helper()
	w := postJSON(t, env.handler, "/api/statements", map[string]any{
		"patient_id": patientID,
		"issue_date": "2025-05-07",
		"due_date":   "2025-06-06",
		"services": []map[string]any{
			{"description": "Consultation", "date": "2025-05-02", "amount": "150.00"},
			{"description": "Laboratory Tests", "date": "2025-05-02", "amount": "350.00"},
			{"description": "Medication", "date": "2025-05-02", "amount": "275.50"},
		},
	}, env.adminToken)
	if w.Code != http.StatusCreated {
		t.Fatalf("create statement: %d %s", w.Code, w.Body.String())
	}
	return int64(dataOf(t, w)["id"].(float64))
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)
	w := getJSON(t, env.handler, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" || body["database"] != true {
		t.Errorf("unexpected health body: %v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestLoginLogout(t *testing.T) {
	env := newTestServer(t)

	w := postJSON(t, env.handler, "/api/login", map[string]string{"email": "jane@soa.test", "password": "wrong"}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: expected 401, got %d", w.Code)
	}
	w = postJSON(t, env.handler, "/api/login", map[string]string{"email": ""}, "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing fields: expected 422, got %d", w.Code)
	}

	w = postJSON(t, env.handler, "/api/login", map[string]string{"email": "jane@soa.test", "password": "secret123"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	data := dataOf(t, w)
	token, _ := data["token"].(string)
	if !strings.HasPrefix(token, "soa_") || data["token_type"] != "Bearer" {
		t.Fatalf("unexpected login data: %v", data)
	}

	w = getJSON(t, env.handler, "/api/user", token)
	if w.Code != http.StatusOK || dataOf(t, w)["email"] != "jane@soa.test" {
		t.Fatalf("current user: %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Error("password hash leaked in user response")
	}

	if w := postJSON(t, env.handler, "/api/logout", nil, token); w.Code != http.StatusOK {
		t.Fatalf("logout: %d", w.Code)
	}
	if w := getJSON(t, env.handler, "/api/user", token); w.Code != http.StatusUnauthorized {
		t.Errorf("after logout: expected 401, got %d", w.Code)
	}
}

func TestRolePolicyEnforced(t *testing.T) {
	env := newTestServer(t)

	if w := getJSON(t, env.handler, "/api/statements", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", w.Code)
	}
	if w := getJSON(t, env.handler, "/api/statements", env.patientToken); w.Code != http.StatusForbidden {
		t.Errorf("patient on admin route: expected 403, got %d", w.Code)
	}
	if w := postJSON(t, env.handler, "/api/statements/1/access", nil, env.patientToken); w.Code != http.StatusForbidden {
		t.Errorf("patient issuing access: expected 403, got %d", w.Code)
	}
	if w := getJSON(t, env.handler, "/api/patient/profile", env.patientToken); w.Code != http.StatusOK {
		t.Errorf("patient profile: expected 200, got %d", w.Code)
	}
	if w := getJSON(t, env.handler, "/api/patient/profile", env.adminToken); w.Code != http.StatusOK {
		t.Errorf("admin on patient route: expected 200, got %d", w.Code)
	}
}

func TestStatementCreateAndList(t *testing.T) {
	env := newTestServer(t)

	id := createStatement(t, env, env.patient.ID)
	w := getJSON(t, env.handler, "/api/statements/"+itoa(id), env.adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("get statement: %d", w.Code)
	}
	data := dataOf(t, w)
	if data["total_amount"] != "775.50" || data["statement_number"] != "SOA-00000001" || data["status"] != "issued" {
		t.Errorf("unexpected statement: %v", data)
	}
	if services, _ := data["services"].([]any); len(services) != 3 {
		t.Errorf("expected 3 services, got %v", data["services"])
	}
	if acc, _ := data["access"].(map[string]any); acc["status"] != "none" {
		t.Errorf("expected access status none, got %v", data["access"])
	}

	w = postJSON(t, env.handler, "/api/statements", map[string]any{
		"patient_id": env.patient.ID, "issue_date": "2025-05-07", "due_date": "2025-05-01",
	}, env.adminToken)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid statement: expected 422, got %d", w.Code)
	}
	fields, _ := decodeBody(t, w)["fields"].(map[string]any)
	if fields["due_date"] == nil || fields["services"] == nil {
		t.Errorf("expected due_date and services errors, got %v", fields)
	}

	w = getJSON(t, env.handler, "/api/statements?with_access=true", env.adminToken)
	if body := decodeBody(t, w); body["total"] != float64(0) {
		t.Errorf("with_access before issue: total %v", body["total"])
	}
	w = getJSON(t, env.handler, "/api/statements", env.adminToken)
	if body := decodeBody(t, w); body["total"] != float64(1) || body["per_page"] != float64(10) {
		t.Errorf("statement list: %v", body)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestAccessLifecycle(t *testing.T) {
	env := newTestServer(t)
	id := createStatement(t, env, env.patient.ID)
	base := "/api/statements/" + itoa(id) + "/access"

	w := postJSON(t, env.handler, base, nil, env.adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("issue: %d %s", w.Code, w.Body.String())
	}
	grant := dataOf(t, w)
	link := grant["signed_url"].(string)
	if !strings.HasPrefix(link, "http://soa.test/api/statements/view?") {
		t.Fatalf("unexpected link %s", link)
	}
	if len(grant["token"].(string)) != 64 || grant["pdf_url"] == nil {
		t.Errorf("unexpected grant: %v", grant)
	}

	// Artifacts are served back from /storage.
	qr := getJSON(t, env.handler, requestURI(t, grant["qr_url"].(string)), "")
	if qr.Code != http.StatusOK || qr.Header().Get("Content-Type") != "image/png" {
		t.Errorf("qr fetch: %d %s", qr.Code, qr.Header().Get("Content-Type"))
	}

	view := getJSON(t, env.handler, requestURI(t, link), "")
	if view.Code != http.StatusOK || view.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("view: %d %s", view.Code, view.Body.String())
	}
	if !bytes.HasPrefix(view.Body.Bytes(), []byte("%PDF-")) {
		t.Error("view did not return a PDF")
	}

	w = getJSON(t, env.handler, base, env.adminToken)
	status := dataOf(t, w)
	if status["status"] != "active" || status["signed_url"] != link {
		t.Errorf("status: %v", status)
	}

	// Reissue supersedes the first link.
	w = postJSON(t, env.handler, base, map[string]int{"expiry_days": 3}, env.adminToken)
	second := dataOf(t, w)["signed_url"].(string)
	if w := getJSON(t, env.handler, requestURI(t, link), ""); w.Code != http.StatusNotFound {
		t.Errorf("superseded link: expected 404, got %d", w.Code)
	}
	if w := getJSON(t, env.handler, requestURI(t, second), ""); w.Code != http.StatusOK {
		t.Errorf("second link: expected 200, got %d", w.Code)
	}

	// Past expiry the link itself fails.
	env.clock.Advance(3*day + time.Second)
	if w := getJSON(t, env.handler, requestURI(t, second), ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expired link: expected 401, got %d", w.Code)
	}
	if dataOf(t, getJSON(t, env.handler, base, env.adminToken))["status"] != "expired" {
		t.Error("expected expired status")
	}

	// Extending re-activates the same token under a fresh link.
	w = doRequest(t, env.handler, http.MethodPut, base, map[string]int{"expiry_days": 60}, env.adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("extend: %d %s", w.Code, w.Body.String())
	}
	extended := dataOf(t, w)
	if w := getJSON(t, env.handler, requestURI(t, extended["signed_url"].(string)), ""); w.Code != http.StatusOK {
		t.Errorf("extended link: expected 200, got %d", w.Code)
	}
}

func TestAccessValidation(t *testing.T) {
	env := newTestServer(t)
	id := createStatement(t, env, env.patient.ID)
	base := "/api/statements/" + itoa(id) + "/access"

	if w := postJSON(t, env.handler, base, map[string]int{"expiry_days": 31}, env.adminToken); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("31 days: expected 422, got %d", w.Code)
	}
	if w := doRequest(t, env.handler, http.MethodPut, base, map[string]int{"expiry_days": 10}, env.adminToken); w.Code != http.StatusNotFound {
		t.Errorf("extend before issue: expected 404, got %d", w.Code)
	}
	if w := doRequest(t, env.handler, http.MethodPut, base, nil, env.adminToken); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("extend without days: expected 422, got %d", w.Code)
	}
	if w := postJSON(t, env.handler, "/api/statements/999/access", nil, env.adminToken); w.Code != http.StatusNotFound {
		t.Errorf("unknown statement: expected 404, got %d", w.Code)
	}
}

func TestViewDenialsAreIndistinguishable(t *testing.T) {
	env := newTestServer(t)
	id := createStatement(t, env, env.patient.ID)

	w := postJSON(t, env.handler, "/api/statements/"+itoa(id)+"/access", map[string]int{"expiry_days": 1}, env.adminToken)
	grant := dataOf(t, w)
	expires, _ := time.Parse(time.RFC3339, grant["expires_at"].(string))

	forged, err := env.srv.access.SignedURL(&models.Capability{Token: strings.Repeat("A", 64), ExpiresAt: expires})
	if err != nil {
		t.Fatal(err)
	}
	unknown := getJSON(t, env.handler, requestURI(t, forged), "")

	// At the expiry second the link still verifies but the token is expired.
	env.clock.Advance(day)
	expired := getJSON(t, env.handler, requestURI(t, grant["signed_url"].(string)), "")

	if unknown.Code != http.StatusNotFound || expired.Code != http.StatusNotFound {
		t.Fatalf("expected 404s, got %d and %d", unknown.Code, expired.Code)
	}
	if unknown.Body.String() != expired.Body.String() {
		t.Errorf("bodies differ: %q vs %q", unknown.Body.String(), expired.Body.String())
	}

	tampered := strings.Replace(requestURI(t, grant["signed_url"].(string)), "expires=", "expires=9", 1)
	if w := getJSON(t, env.handler, tampered, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("tampered link: expected 401, got %d", w.Code)
	}
}

func TestGenerateQROwnership(t *testing.T) {
	env := newTestServer(t)
	id := createStatement(t, env, env.patient.ID)
	createUserAndLogin(t, env.srv, "John Other", "john@soa.test", models.RolePatient)
	other, _ := env.store.GetUserByEmail(context.Background(), "john@soa.test")

	w := postJSON(t, env.handler, "/api/statements/generate-qr",
		map[string]any{"statement_id": id, "patient_id": other.ID}, env.adminToken)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign patient: expected 403, got %d", w.Code)
	}
	w = postJSON(t, env.handler, "/api/statements/generate-qr",
		map[string]any{"statement_id": id, "patient_id": env.patient.ID, "expiry_days": 5}, env.adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d %s", w.Code, w.Body.String())
	}
	if dataOf(t, w)["signed_url"] == "" {
		t.Error("missing signed_url")
	}
}

func TestPatientPortalIsolation(t *testing.T) {
	env := newTestServer(t)
	own := createStatement(t, env, env.patient.ID)
	otherToken := createUserAndLogin(t, env.srv, "John Other", "john@soa.test", models.RolePatient)

	if w := getJSON(t, env.handler, "/api/patient/statements/"+itoa(own), env.patientToken); w.Code != http.StatusOK {
		t.Errorf("own statement: expected 200, got %d", w.Code)
	}
	if w := getJSON(t, env.handler, "/api/patient/statements/"+itoa(own), otherToken); w.Code != http.StatusNotFound {
		t.Errorf("foreign statement: expected 404, got %d", w.Code)
	}
	w := getJSON(t, env.handler, "/api/patient/statements", otherToken)
	if body := decodeBody(t, w); body["total"] != float64(0) {
		t.Errorf("other patient sees %v statements", body["total"])
	}
}

func TestAuditLogRecordsCapabilityEvents(t *testing.T) {
	env := newTestServer(t)
	id := createStatement(t, env, env.patient.ID)

	w := postJSON(t, env.handler, "/api/statements/"+itoa(id)+"/access", nil, env.adminToken)
	grant := dataOf(t, w)
	getJSON(t, env.handler, requestURI(t, grant["signed_url"].(string)), "")

	w = getJSON(t, env.handler, "/api/audit-log?path=capability", env.adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("audit log: %d", w.Code)
	}
	raw := w.Body.String()
	if strings.Contains(raw, grant["token"].(string)) {
		t.Fatal("plaintext capability token in audit log")
	}
	var body struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatal(err)
	}
	ops := map[string]bool{}
	for _, e := range body.Data {
		ops[e["operation"].(string)] = true
	}
	if !ops["access.issued"] || !ops["access.viewed"] {
		t.Errorf("expected issued and viewed events, got %v", ops)
	}

	if w := getJSON(t, env.handler, "/api/audit-log", env.patientToken); w.Code != http.StatusForbidden {
		t.Errorf("patient audit access: expected 403, got %d", w.Code)
	}
}

func TestUserManagement(t *testing.T) {
	env := newTestServer(t)

	body := map[string]string{
		"name": "Nurse", "email": "nurse@soa.test", "password": "secret123",
		"password_confirmation": "secret123", "role": "admin",
	}
	w := postJSON(t, env.handler, "/api/users", body, env.adminToken)
	if w.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", w.Code, w.Body.String())
	}
	created := dataOf(t, w)

	if w := postJSON(t, env.handler, "/api/users", body, env.adminToken); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("duplicate email: expected 422, got %d", w.Code)
	}

	w = getJSON(t, env.handler, "/api/users?role=patient", env.adminToken)
	if b := decodeBody(t, w); b["total"] != float64(1) {
		t.Errorf("patients: %v", b["total"])
	}

	admin, _ := env.store.GetUserByEmail(context.Background(), "admin@soa.test")
	if w := doRequest(t, env.handler, http.MethodDelete, "/api/users/"+itoa(admin.ID), nil, env.adminToken); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("self delete: expected 422, got %d", w.Code)
	}
	nurseID := int64(created["id"].(float64))
	if w := doRequest(t, env.handler, http.MethodDelete, "/api/users/"+itoa(nurseID), nil, env.adminToken); w.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", w.Code)
	}
	if w := getJSON(t, env.handler, "/api/users/"+itoa(nurseID), env.adminToken); w.Code != http.StatusNotFound {
		t.Errorf("deleted user: expected 404, got %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(1, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.allow("10.0.0.1") || !rl.allow("10.0.0.1") {
		t.Fatal("burst should be allowed")
	}
	if rl.allow("10.0.0.1") {
		t.Error("third request should be limited")
	}
	if !rl.allow("10.0.0.2") {
		t.Error("other IPs have their own bucket")
	}
	now = now.Add(time.Second)
	if !rl.allow("10.0.0.1") {
		t.Error("bucket should refill")
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	rl := newRateLimiter(10, 20)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		rl.allow("10.0.1." + strconv.Itoa(i))
	}
	if len(rl.buckets) != 100 {
		t.Fatalf("expected 100 buckets, got %d", len(rl.buckets))
	}

	now = now.Add(sweepInterval)
	rl.allow("10.0.2.1")
	if len(rl.buckets) != 1 {
		t.Errorf("idle buckets should be evicted, %d left", len(rl.buckets))
	}
}

func TestClientIP(t *testing.T) {
	trust, err := newProxyTrust([]string{"10.0.0.0/8", "192.0.2.7"})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name, remote, xff, want string
	}{
		{"untrusted peer ignores header", "203.0.113.9:5123", "198.51.100.1", "203.0.113.9"},
		{"trusted peer uses header", "10.1.2.3:80", "198.51.100.1", "198.51.100.1"},
		{"spoofed left hop is skipped", "10.1.2.3:80", "6.6.6.6, 198.51.100.1", "198.51.100.1"},
		{"chained trusted proxies", "192.0.2.7:80", "198.51.100.1, 10.9.9.9", "198.51.100.1"},
		{"garbage hop stops the walk", "10.1.2.3:80", "198.51.100.1, nonsense", "10.1.2.3"},
		{"no header", "10.1.2.3:80", "", "10.1.2.3"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		r.RemoteAddr = tc.remote
		if tc.xff != "" {
			r.Header.Set("X-Forwarded-For", tc.xff)
		}
		if got := trust.resolve(r); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}

	if _, err := newProxyTrust([]string{"not-a-cidr/33"}); err == nil {
		t.Error("expected error for invalid proxy")
	}
}

func TestForwardedForIgnoredWithoutTrustedProxies(t *testing.T) {
	env := newTestServer(t)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		r.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i))
		env.handler.ServeHTTP(httptest.NewRecorder(), r)
	}
	entries, err := env.store.QueryAuditLog(context.Background(), storage.AuditFilter{Path: "/api/health"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ClientIP != "192.0.2.1" {
			t.Errorf("audit recorded client ip %q from a forged header", e.ClientIP)
		}
	}
}

func TestMetricsExposeCapabilityOutcomes(t *testing.T) {
	env := newTestServer(t)
	id := createStatement(t, env, env.patient.ID)

	w := postJSON(t, env.handler, "/api/statements/"+itoa(id)+"/access", nil, env.adminToken)
	link := dataOf(t, w)["signed_url"].(string)
	getJSON(t, env.handler, requestURI(t, link), "")
	getJSON(t, env.handler, requestURI(t, strings.Replace(link, "expires=", "expires=9", 1)), "")

	w = getJSON(t, env.handler, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`soaportal_capabilities_issued_total{op="issue"}`,
		`soaportal_capability_resolutions_total{outcome="granted"}`,
		`soaportal_capability_resolutions_total{outcome="invalid_link"}`,
		`route="/api/statements/{id}/access"`,
		"soaportal_statements_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestStatementPDFAccess(t *testing.T) {
	env := newTestServer(t)
	id := createStatement(t, env, env.patient.ID)
	base := "/api/statements/" + itoa(id) + "/access"

	first := dataOf(t, postJSON(t, env.handler, base, nil, env.adminToken))
	pdfPath := requestURI(t, first["pdf_url"].(string))
	qrPath := requestURI(t, first["qr_url"].(string))

	if w := getJSON(t, env.handler, pdfPath, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous pdf: expected 401, got %d", w.Code)
	}
	if w := getJSON(t, env.handler, pdfPath, env.patientToken); w.Code != http.StatusForbidden {
		t.Errorf("patient pdf: expected 403, got %d", w.Code)
	}
	w := getJSON(t, env.handler, pdfPath, env.adminToken)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("admin pdf: %d %s", w.Code, w.Header().Get("Content-Type"))
	}

	// Reissuing removes the superseded artifacts.
	postJSON(t, env.handler, base, nil, env.adminToken)
	env.clock.Advance(400 * day)
	if w := getJSON(t, env.handler, pdfPath, env.adminToken); w.Code != http.StatusNotFound {
		t.Errorf("superseded pdf: expected 404, got %d", w.Code)
	}
	if w := getJSON(t, env.handler, qrPath, ""); w.Code != http.StatusNotFound {
		t.Errorf("superseded qr: expected 404, got %d", w.Code)
	}
}
