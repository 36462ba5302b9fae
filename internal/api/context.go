package api

import (
	"context"
	"fmt"

	"aiassist/internal/domain/rag"
)

// RoleAdmin 可管理全局模型配置
const RoleAdmin = "admin"

// Scope 调用方身份（注入到 context）
type Scope struct {
	CompanyID string   `json:"company_id"`
	Subject   string   `json:"subject"`
	Roles     []string `json:"roles,omitempty"`
}

// HasRole 是否拥有指定角色
func (s *Scope) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type scopeContextKey struct{}

// WithScope 注入 Scope 到 context，并同步设置存储层的公司作用域
func WithScope(ctx context.Context, scope *Scope) context.Context {
	ctx = context.WithValue(ctx, scopeContextKey{}, scope)
	if scope != nil {
		ctx = rag.WithCompanyScope(ctx, scope.CompanyID)
	}
	return ctx
}

// ScopeFrom 从 context 提取 Scope
func ScopeFrom(ctx context.Context) (*Scope, error) {
	scope, ok := ctx.Value(scopeContextKey{}).(*Scope)
	if !ok || scope == nil {
		return nil, fmt.Errorf("scope not found in context")
	}
	return scope, nil
}
