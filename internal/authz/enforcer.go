// Package authz holds the system role policy: the built-in grants and the
// role hierarchy shared by every tenant.
package authz

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"shahin-ai.com/grc-auth/internal/auth"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Enforcer evaluates system roles with a casbin RBAC model.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
}

// New builds an enforcer from the embedded model and policy.
func New() (*Enforcer, error) {
	return NewFromStrings(embeddedModel, embeddedPolicy)
}

// NewFromStrings builds an enforcer from a model and CSV policy.
func NewFromStrings(modelText, policy string) (*Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("authz: load model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: create enforcer: %w", err)
	}
	if err := loadPolicy(e, policy); err != nil {
		return nil, err
	}
	return &Enforcer{enforcer: e}, nil
}

func loadPolicy(e *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		switch {
		case parts[0] == "p" && len(parts) == 4:
			if _, err := e.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
				return fmt.Errorf("authz: add policy %v: %w", parts[1:], err)
			}
		case parts[0] == "g" && len(parts) == 3:
			if _, err := e.AddGroupingPolicy(parts[1], parts[2]); err != nil {
				return fmt.Errorf("authz: add grouping %v: %w", parts[1:], err)
			}
		default:
			return fmt.Errorf("authz: malformed policy line %q", line)
		}
	}
	return nil
}

// Allowed reports whether role may perform action on resource.
func (e *Enforcer) Allowed(role, resource, action string) (bool, error) {
	ok, err := e.enforcer.Enforce(role, resource, action)
	if err != nil {
		return false, fmt.Errorf("authz: enforce: %w", err)
	}
	return ok, nil
}

// Grants returns the grants of roles including inherited roles.
// Unknown roles contribute nothing.
func (e *Enforcer) Grants(roles []string) []auth.Permission {
	seen := make(map[auth.Permission]struct{})
	var out []auth.Permission
	for _, role := range roles {
		rules, err := e.enforcer.GetImplicitPermissionsForUser(role)
		if err != nil {
			continue
		}
		for _, rule := range rules {
			if len(rule) < 3 {
				continue
			}
			p := auth.Permission{Resource: rule[1], Action: rule[2]}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b auth.Permission) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}

// InheritedRoles returns every role reachable from role through the hierarchy.
func (e *Enforcer) InheritedRoles(role string) []string {
	roles, err := e.enforcer.GetImplicitRolesForUser(role)
	if err != nil {
		return nil
	}
	slices.Sort(roles)
	return roles
}

// SystemRoles lists every role that carries a grant.
func (e *Enforcer) SystemRoles() []string {
	subjects, err := e.enforcer.GetAllSubjects()
	if err != nil {
		return nil
	}
	slices.Sort(subjects)
	return slices.Compact(subjects)
}
