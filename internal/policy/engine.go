package policy

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/org/soaportal/pkg/models"
)

// ErrPolicyNotFound is returned by a PolicyGetter for unknown names.
var ErrPolicyNotFound = errors.New("policy not found")

// PolicyGetter is the minimal interface the Engine needs to look policies up.
type PolicyGetter interface {
	GetPolicy(ctx context.Context, name string) (*models.Policy, error)
}

// RolePolicies are the built-in policies, one per role.
var RolePolicies = map[models.Role]*models.Policy{
	models.RoleAdmin: {
		Name: string(models.RoleAdmin),
		Rules: map[string]models.PathRule{
			"api/**":                {Capabilities: []string{models.CapSudo}},
			"storage/statements/**": {Capabilities: []string{models.CapRead}},
		},
	},
	models.RolePatient: {
		Name: string(models.RolePatient),
		Rules: map[string]models.PathRule{
			"api/patient/**": {Capabilities: []string{models.CapRead}},
			"api/user":       {Capabilities: []string{models.CapRead}},
			"api/logout":     {Capabilities: []string{models.CapWrite}},
		},
	},
}

// StaticPolicies serves policies from a fixed map.
type StaticPolicies map[string]*models.Policy

// DefaultPolicies returns the built-in role policies keyed by role name.
func DefaultPolicies() StaticPolicies {
	out := StaticPolicies{}
	for role, pol := range RolePolicies {
		out[string(role)] = pol
	}
	return out
}

func (s StaticPolicies) GetPolicy(_ context.Context, name string) (*models.Policy, error) {
	if p, ok := s[name]; ok {
		return p, nil
	}
	return nil, ErrPolicyNotFound
}

// Engine evaluates access policies for a caller and operation.
type Engine struct {
	store PolicyGetter
}

// NewEngine creates a new policy Engine backed by the given getter.
func NewEngine(store PolicyGetter) *Engine {
	return &Engine{store: store}
}

// IsAllowed returns true if any of the named policies grant the capability on the path.
func (e *Engine) IsAllowed(ctx context.Context, policies []string, capability, reqPath string) bool {
	for _, policyName := range policies {
		pol, err := e.store.GetPolicy(ctx, policyName)
		if err != nil || pol == nil {
			continue
		}
		if policyAllows(pol, capability, reqPath) {
			return true
		}
	}
	return false
}

// RoleAllowed checks a user's role policy for the capability on reqPath.
func (e *Engine) RoleAllowed(ctx context.Context, role models.Role, capability, reqPath string) bool {
	return e.IsAllowed(ctx, []string{string(role)}, capability, reqPath)
}

// CapabilityForMethod maps an HTTP method to the capability it requires.
func CapabilityForMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return models.CapRead
	case http.MethodDelete:
		return models.CapDelete
	default:
		return models.CapWrite
	}
}

func policyAllows(pol *models.Policy, capability, reqPath string) bool {
	for pattern, rule := range pol.Rules {
		if matchPath(pattern, reqPath) && rule.HasCapability(capability) {
			return true
		}
	}
	return false
}

// matchPath matches reqPath against a glob pattern.
//   - "api/patient/*"  matches one additional path segment
//   - "api/**"         matches any number of segments (including zero)
//   - "*"              matches any path
func matchPath(pattern, reqPath string) bool {
	pattern = strings.TrimPrefix(pattern, "/")
	reqPath = strings.TrimPrefix(reqPath, "/")

	if pattern == "*" {
		return true
	}

	if strings.Contains(pattern, "**") {
		parts := strings.SplitN(pattern, "**", 2)
		prefix := parts[0]
		suffix := parts[1]
		if !strings.HasPrefix(reqPath, prefix) {
			return false
		}
		rest := reqPath[len(prefix):]
		if suffix == "" || suffix == "/" {
			return true
		}
		return strings.HasSuffix(rest, strings.TrimPrefix(suffix, "/"))
	}

	matched, err := path.Match(pattern, reqPath)
	if err != nil {
		return false
	}
	return matched
}
