package accesscontrol

import (
	"safekey-licensing/pkg/config"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("accesscontrol", fx.Provide(ProvideAuthorizer))

// Authorizer decides whether role may perform act on obj.
type Authorizer interface {
	Authorize(role, obj, act string) (bool, error)
}

// DefaultModel is a plain RBAC model with a role hierarchy.
const DefaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

type enforcer struct {
	e *casbin.Enforcer
}

type allowAll struct{}

func (allowAll) Authorize(string, string, string) (bool, error) { return true, nil }

// ProvideAuthorizer loads the casbin policy from ACCESS_CONTROL. Without a
// policy file every request is allowed.
func ProvideAuthorizer(cfg *config.Config) (Authorizer, error) {
	if cfg.AccessControl.Policy == "" {
		zap.L().Info("access control disabled, no policy configured")
		return allowAll{}, nil
	}

	var (
		m   model.Model
		err error
	)
	if cfg.AccessControl.Model != "" {
		m, err = model.NewModelFromFile(cfg.AccessControl.Model)
	} else {
		m, err = model.NewModelFromString(DefaultModel)
	}
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m, cfg.AccessControl.Policy)
	if err != nil {
		return nil, err
	}

	return &enforcer{e: e}, nil
}

// NewFromPolicies builds an authorizer from in-memory policies, each one
// [sub, obj, act], with groupings [member, role].
func NewFromPolicies(policies [][]string, groupings [][]string) (Authorizer, error) {
	m, err := model.NewModelFromString(DefaultModel)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	for _, p := range policies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, err
		}
	}
	for _, g := range groupings {
		if _, err := e.AddGroupingPolicy(g[0], g[1]); err != nil {
			return nil, err
		}
	}

	return &enforcer{e: e}, nil
}

func (a *enforcer) Authorize(role, obj, act string) (bool, error) {
	return a.e.Enforce(role, obj, act)
}
