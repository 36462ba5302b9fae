package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	applog "aiassist/internal/platform/log"
)

// JWTConfig JWT 鉴权配置
type JWTConfig struct {
	Secret string // HMAC 签名密钥
	Issuer string // 可选签发者校验
}

// authMiddleware JWT 鉴权中间件
// 只读取 Bearer token 中的身份（sub / company_id / roles），不做会话管理
func authMiddleware(cfg *JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
				return
			}
			tokenStr := strings.TrimSpace(parts[1])

			parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
			if cfg.Issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
			}

			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(cfg.Secret), nil
			}, parserOpts...)

			if err != nil || !token.Valid {
				applog.Warn("[Auth] Invalid JWT token", "error", err)
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid token claims")
				return
			}

			companyID, _ := claims["company_id"].(string)
			subject, _ := claims["sub"].(string)
			if companyID == "" {
				writeErrorCode(w, http.StatusForbidden, "forbidden_scope", "Missing company_id in token")
				return
			}

			var roles []string
			if rolesRaw, ok := claims["roles"].([]interface{}); ok {
				for _, r := range rolesRaw {
					if s, ok := r.(string); ok {
						roles = append(roles, s)
					}
				}
			}

			ctx := WithScope(r.Context(), &Scope{
				CompanyID: companyID,
				Subject:   subject,
				Roles:     roles,
			})

			applog.Debug("[Auth] Scope injected", "company_id", companyID, "subject", subject)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireRole 在已鉴权路由上追加角色校验
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, err := ScopeFrom(r.Context())
			if err != nil || !scope.HasRole(role) {
				writeErrorCode(w, http.StatusForbidden, "forbidden_role", "Role "+role+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
