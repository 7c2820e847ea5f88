package command

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	redisadapter "github.com/casbin/redis-adapter/v3"
)

// CasbinAuthorizer backs Authorizer with a casbin RBAC-with-resources
// enforcer: one enforcer built from a static model file, policies
// loaded once at startup, optionally backed by a Redis adapter so
// every bot instance shares one policy set.
type CasbinAuthorizer struct {
	enforcer *casbin.Enforcer
}

// NewCasbinAuthorizer loads modelPath and policyCSVPath into a local
// enforcer. When redisAddr is non-empty, policies are instead stored
// in Redis via casbin/redis-adapter so multiple bot processes share
// one policy set.
func NewCasbinAuthorizer(modelPath, policyCSVPath, redisAddr, redisPassword string) (*CasbinAuthorizer, error) {
	if redisAddr == "" {
		enforcer, err := casbin.NewEnforcer(modelPath, policyCSVPath)
		if err != nil {
			return nil, fmt.Errorf("command: build local enforcer: %w", err)
		}
		return &CasbinAuthorizer{enforcer: enforcer}, nil
	}

	adapter, err := redisadapter.NewAdapter("tcp", redisAddr, redisadapter.WithPassword(redisPassword))
	if err != nil {
		return nil, fmt.Errorf("command: build redis adapter: %w", err)
	}

	enforcer, err := casbin.NewEnforcer(modelPath, adapter)
	if err != nil {
		return nil, fmt.Errorf("command: build distributed enforcer: %w", err)
	}
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("command: load policy: %w", err)
	}
	return &CasbinAuthorizer{enforcer: enforcer}, nil
}

// Enforce implements Authorizer.
func (a *CasbinAuthorizer) Enforce(subject, resource, action string) (bool, error) {
	return a.enforcer.Enforce(subject, resource, action)
}
