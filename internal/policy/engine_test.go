package policy

import (
	"context"
	"net/http"
	"testing"

	"github.com/org/soaportal/pkg/models"
)

func TestPolicyExactMatch(t *testing.T) {
	pol := &models.Policy{
		Name: "test",
		Rules: map[string]models.PathRule{
			"api/user": {Capabilities: []string{"read"}},
		},
	}
	eng := NewEngine(StaticPolicies{"test": pol})
	ctx := context.Background()

	if !eng.IsAllowed(ctx, []string{"test"}, "read", "api/user") {
		t.Error("expected read to be allowed on exact match")
	}
	if eng.IsAllowed(ctx, []string{"test"}, "write", "api/user") {
		t.Error("expected write to be denied")
	}
}

func TestPolicySingleWildcard(t *testing.T) {
	pol := &models.Policy{
		Name: "test",
		Rules: map[string]models.PathRule{
			"api/patients/*": {Capabilities: []string{"read"}},
		},
	}
	eng := NewEngine(StaticPolicies{"test": pol})
	ctx := context.Background()

	cases := []struct {
		path    string
		allowed bool
	}{
		{"api/patients/1", true},
		{"api/patients/42", true},
		{"api/patients/1/statements", false}, // * doesn't cross segments
		{"api/statements/1", false},
	}
	for _, tc := range cases {
		got := eng.IsAllowed(ctx, []string{"test"}, "read", tc.path)
		if got != tc.allowed {
			t.Errorf("path=%q: expected allowed=%v got %v", tc.path, tc.allowed, got)
		}
	}
}

func TestAdminPolicy(t *testing.T) {
	eng := NewEngine(DefaultPolicies())
	ctx := context.Background()

	for _, c := range []string{"read", "write", "delete", "sudo"} {
		if !eng.RoleAllowed(ctx, models.RoleAdmin, c, "/api/statements/7/access") {
			t.Errorf("admin should be allowed %q", c)
		}
	}
	if eng.RoleAllowed(ctx, models.RoleAdmin, "read", "/metrics") {
		t.Error("admin policy covers api/** and statement PDFs only")
	}
	if !eng.RoleAllowed(ctx, models.RoleAdmin, "read", "/storage/statements/statement_1_1_ab.pdf") {
		t.Error("admin should read statement PDFs")
	}
	if eng.RoleAllowed(ctx, models.RoleAdmin, "delete", "/storage/statements/statement_1_1_ab.pdf") {
		t.Error("statement PDFs are read-only over HTTP")
	}
}

func TestPatientPolicy(t *testing.T) {
	eng := NewEngine(DefaultPolicies())
	ctx := context.Background()

	cases := []struct {
		cap, path string
		allowed   bool
	}{
		{"read", "/api/patient/profile", true},
		{"read", "/api/patient/statements/3", true},
		{"write", "/api/patient/statements/3", false},
		{"read", "/api/user", true},
		{"write", "/api/logout", true},
		{"read", "/api/statements", false},
		{"write", "/api/statements/3/access", false},
		{"read", "/api/users", false},
		{"read", "/api/audit-log", false},
		{"read", "/storage/statements/statement_3_1_ab.pdf", false},
	}
	for _, tc := range cases {
		if got := eng.RoleAllowed(ctx, models.RolePatient, tc.cap, tc.path); got != tc.allowed {
			t.Errorf("%s %s: expected allowed=%v got %v", tc.cap, tc.path, tc.allowed, got)
		}
	}
}

func TestUnknownRoleDenied(t *testing.T) {
	eng := NewEngine(DefaultPolicies())
	if eng.RoleAllowed(context.Background(), models.Role("guest"), "read", "/api/user") {
		t.Error("unknown role should be denied")
	}
}

func TestMultiplePolicies(t *testing.T) {
	readPol := &models.Policy{
		Name:  "reader",
		Rules: map[string]models.PathRule{"api/statements/*": {Capabilities: []string{"read"}}},
	}
	writePol := &models.Policy{
		Name:  "writer",
		Rules: map[string]models.PathRule{"api/statements/1": {Capabilities: []string{"write"}}},
	}
	eng := NewEngine(StaticPolicies{"reader": readPol, "writer": writePol})
	ctx := context.Background()

	if !eng.IsAllowed(ctx, []string{"reader", "writer"}, "write", "api/statements/1") {
		t.Error("write should be allowed via writer policy")
	}
	if !eng.IsAllowed(ctx, []string{"reader", "writer"}, "read", "api/statements/2") {
		t.Error("read should be allowed via reader policy")
	}
	if eng.IsAllowed(ctx, []string{"reader"}, "write", "api/statements/1") {
		t.Error("write should not be allowed with only reader policy")
	}
}

func TestCapabilityForMethod(t *testing.T) {
	cases := map[string]string{
		http.MethodGet:    "read",
		http.MethodPost:   "write",
		http.MethodPut:    "write",
		http.MethodDelete: "delete",
	}
	for method, want := range cases {
		if got := CapabilityForMethod(method); got != want {
			t.Errorf("%s: got %s want %s", method, got, want)
		}
	}
}
