package rag

import "context"

type repoScopeKey struct{}

// WithCompanyScope 为 repository 查询注入公司作用域
func WithCompanyScope(ctx context.Context, companyID string) context.Context {
	if companyID == "" {
		return ctx
	}
	return context.WithValue(ctx, repoScopeKey{}, companyID)
}

// CompanyScopeFrom 从 context 读取公司作用域（供存储层复用）
func CompanyScopeFrom(ctx context.Context) (string, bool) {
	companyID, ok := ctx.Value(repoScopeKey{}).(string)
	return companyID, ok && companyID != ""
}
