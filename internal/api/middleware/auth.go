// auth.go — JWT-аутентификация через JWKS провайдера идентификации.
// Из claims токена строится rbac.Actor: роль (SUPER_ADMIN_MAX, SUPER_ADMIN, ADMIN)
// и явные права (manage_photos, upload_photos, delete_photos, manage_clients).
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/BlacIP/photolibrary/internal/api/errors"
	"github.com/BlacIP/photolibrary/internal/domain/rbac"
)

type contextKey string

// ContextKeyActor — ключ контекста для rbac.Actor.
const ContextKeyActor contextKey = "actor"

// ClaimsConfig — имена claims, из которых читаются роль и права.
type ClaimsConfig struct {
	RoleClaim        string
	PermissionsClaim string
}

// JWTAuth — middleware для JWT-аутентификации.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	logger    *slog.Logger
	claims    ClaimsConfig
	issuer    string
	jwtLeeway time.Duration
}

// NewJWTAuth создаёт JWT middleware с фоновым обновлением JWKS.
// Сервис стартует, даже если провайдер идентификации ещё недоступен.
func NewJWTAuth(
	jwksURL string,
	issuer string,
	claims ClaimsConfig,
	jwksClientTimeout time.Duration,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: jwksClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	a := NewJWTAuthWithKeyfunc(k, issuer, claims, logger)
	a.jwtLeeway = jwtLeeway
	return a, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки JWKS из памяти.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, claims ClaimsConfig, logger *slog.Logger) *JWTAuth {
	if claims.RoleClaim == "" {
		claims.RoleClaim = "role"
	}
	if claims.PermissionsClaim == "" {
		claims.PermissionsClaim = "permissions"
	}
	return &JWTAuth{
		jwks:   kf,
		logger: logger.With(slog.String("component", "jwt_auth")),
		claims: claims,
		issuer: issuer,
	}
}

// Middleware извлекает Bearer token, проверяет подпись (RS256) и срок,
// строит rbac.Actor и помещает его в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}
			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			actor := j.buildActor(subject, claims)
			if actor.Role == "" {
				apierrors.Forbidden(w, "У пользователя нет роли photolibrary")
				return
			}

			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
		})
	}
}

// buildActor строит rbac.Actor из claims.
// Роль берётся из настроенного claim (строка или массив), иначе из realm_access.roles.
func (j *JWTAuth) buildActor(subject string, claims jwt.MapClaims) rbac.Actor {
	username := stringClaim(claims, "preferred_username")
	if username == "" {
		username = stringClaim(claims, "email")
	}

	var role rbac.Role
	if roles := stringsClaim(claims[j.claims.RoleClaim]); len(roles) > 0 {
		role = rbac.HighestRole(roles)
	}
	if role == "" {
		if ra, ok := claims["realm_access"].(map[string]any); ok {
			role = rbac.HighestRole(stringsClaim(ra["roles"]))
		}
	}

	return rbac.NewActor(subject, username, string(role), stringsClaim(claims[j.claims.PermissionsClaim]))
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// stringsClaim читает claim как массив строк. Строка разбивается по пробелам
// и запятым (формат scope).
func stringsClaim(v any) []string {
	switch val := v.(type) {
	case string:
		return strings.FieldsFunc(val, func(r rune) bool { return r == ' ' || r == ',' })
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	}
	return nil
}

// ActorFromContext извлекает rbac.Actor из контекста запроса.
func ActorFromContext(ctx context.Context) (rbac.Actor, bool) {
	actor, ok := ctx.Value(ContextKeyActor).(rbac.Actor)
	return actor, ok
}

// WithActor помещает actor в контекст и в журнал запроса.
func WithActor(ctx context.Context, actor rbac.Actor) context.Context {
	return withActor(ctx, actor)
}

// JWKSReadinessChecker проверяет доступность JWKS endpoint для /health/ready.
type JWKSReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewJWKSReadinessChecker создаёт проверку JWKS endpoint.
func NewJWKSReadinessChecker(jwksURL string, timeout time.Duration) *JWKSReadinessChecker {
	return &JWKSReadinessChecker{
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// CheckReady возвращает статус ("ok", "degraded") и сообщение.
// Недоступный JWKS не делает сервис неготовым: ключи уже могут быть в кэше.
func (c *JWKSReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return "degraded", fmt.Sprintf("некорректный JWKS URL: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "degraded", fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "degraded", fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}
	return "ok", "JWKS доступен"
}
