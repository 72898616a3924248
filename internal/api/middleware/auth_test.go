package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/BlacIP/photolibrary/internal/domain/rbac"
)

const (
	testKeyID  = "test-key-pl"
	testIssuer = "https://idp.test/realms/studio"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, testIssuer, ClaimsConfig{}, testLogger())
}

// signToken подписывает claims тестовым ключом, добавляя стандартные поля.
func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims, ttl time.Duration) string {
	t.Helper()
	base := jwt.MapClaims{
		"sub": "user-1",
		"iss": testIssuer,
		"exp": jwt.NewNumericDate(time.Now().Add(ttl)),
		"iat": jwt.NewNumericDate(time.Now()),
	}
	for k, v := range claims {
		base[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, base)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// serve прогоняет запрос через middleware и возвращает код ответа и actor из контекста.
func serve(t *testing.T, auth *JWTAuth, header string) (int, *rbac.Actor) {
	t.Helper()
	var got *rbac.Actor
	h := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a, ok := ActorFromContext(r.Context()); ok {
			got = &a
		}
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/clients", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, got
}

func TestJWTAuth_ValidToken(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	token := signToken(t, key, jwt.MapClaims{
		"preferred_username": "anna",
		"role":               "ADMIN",
		"permissions":        []string{"upload_photos", "manage_clients", "unknown"},
	}, time.Hour)

	code, actor := serve(t, auth, "Bearer "+token)
	if code != http.StatusOK || actor == nil {
		t.Fatalf("код %d, actor %v", code, actor)
	}
	if actor.Subject != "user-1" || actor.Username != "anna" || actor.Role != rbac.RoleAdmin {
		t.Errorf("actor = %+v", actor)
	}
	if !actor.Has(rbac.CapUploadPhotos) || !actor.Has(rbac.CapManageClients) || actor.Has(rbac.CapDeletePhotos) {
		t.Errorf("права = %v", actor.Capabilities)
	}
}

func TestJWTAuth_RealmRolesFallback(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	token := signToken(t, key, jwt.MapClaims{
		"realm_access": map[string]any{"roles": []string{"offline_access", "admin", "super_admin_max"}},
	}, time.Hour)

	code, actor := serve(t, auth, "Bearer "+token)
	if code != http.StatusOK || actor == nil {
		t.Fatalf("код %d", code)
	}
	if actor.Role != rbac.RoleSuperAdminMax || !actor.Privileged() {
		t.Errorf("роль = %q, ожидается SUPER_ADMIN_MAX", actor.Role)
	}
}

func TestJWTAuth_PermissionsAsScopeString(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	token := signToken(t, key, jwt.MapClaims{
		"role":        "ADMIN",
		"permissions": "manage_photos delete_photos",
	}, time.Hour)

	_, actor := serve(t, auth, "Bearer "+token)
	if actor == nil || !actor.Has(rbac.CapManagePhotos) || !actor.Has(rbac.CapDeletePhotos) {
		t.Errorf("права из строки не разобраны: %+v", actor)
	}
}

func TestJWTAuth_Rejects(t *testing.T) {
	key := generateTestKey(t)
	other := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	claims := jwt.MapClaims{"role": "ADMIN"}
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"без заголовка", "", http.StatusUnauthorized},
		{"не Bearer", "Basic abc", http.StatusUnauthorized},
		{"пустой токен", "Bearer ", http.StatusUnauthorized},
		{"мусор", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"просрочен", "Bearer " + signToken(t, key, claims, -time.Hour), http.StatusUnauthorized},
		{"чужой ключ", "Bearer " + signToken(t, other, claims, time.Hour), http.StatusUnauthorized},
		{"чужой issuer", "Bearer " + signToken(t, key, jwt.MapClaims{"role": "ADMIN", "iss": "https://evil"}, time.Hour), http.StatusUnauthorized},
		{"без роли", "Bearer " + signToken(t, key, jwt.MapClaims{"role": "VIEWER"}, time.Hour), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, actor := serve(t, auth, tt.header)
			if code != tt.want {
				t.Errorf("код = %d, ожидается %d", code, tt.want)
			}
			if actor != nil {
				t.Error("actor не должен попасть в контекст")
			}
		})
	}
}

func TestJWKSReadinessChecker(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	if status, msg := NewJWKSReadinessChecker(ok.URL, time.Second).CheckReady(); status != "ok" {
		t.Errorf("CheckReady() = %s (%s), ожидается ok", status, msg)
	}
	if status, _ := NewJWKSReadinessChecker(broken.URL, time.Second).CheckReady(); status != "degraded" {
		t.Errorf("CheckReady() = %s, ожидается degraded", status)
	}
}
