package auth

import (
	"fmt"
	"sort"

	"sqs/internal/config"
)

const (
	PermQueryRun    = "query.run"
	PermTaskEnqueue = "task.enqueue"
	PermTaskRead    = "task.read"
	PermTaskCancel  = "task.cancel"
	PermLayerRead   = "layer.read"
	PermLayerWrite  = "layer.write"
	PermLogRead     = "log.read"
	PermAPIKeyAdmin = "apikey.admin"

	wildcard = "*"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Role       string
	Permission string
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("role %s lacks permission %s", e.Role, e.Permission)
}

// Service resolves role permissions from config.rbac.roles.
type Service struct {
	Roles map[string]config.RBACRole
}

func New(cfg *config.Config) Service {
	if cfg == nil {
		return Service{}
	}
	return Service{Roles: cfg.RBAC.Roles}
}

// KnownRole reports whether role is configured.
func (s Service) KnownRole(role string) bool {
	_, ok := s.Roles[role]
	return ok
}

func (s Service) HasPermission(role, perm string) bool {
	r, ok := s.Roles[role]
	if !ok {
		return false
	}
	for _, p := range r.Permissions {
		if p == perm || p == wildcard {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless role grants perm.
func (s Service) Require(role, perm string) error {
	if s.HasPermission(role, perm) {
		return nil
	}
	return ForbiddenError{Role: role, Permission: perm}
}

// Permissions lists the permissions granted to role, sorted.
func (s Service) Permissions(role string) []string {
	r, ok := s.Roles[role]
	if !ok {
		return nil
	}
	out := append([]string(nil), r.Permissions...)
	sort.Strings(out)
	return out
}
