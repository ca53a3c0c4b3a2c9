package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/service"
)

type fakeKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*service.APIKey
}

func (f *fakeKeyRepo) Create(_ context.Context, key *service.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *key
	f.keys[key.ID] = &cp
	return nil
}

func (f *fakeKeyRepo) GetByHash(_ context.Context, hash string) (*service.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.KeyHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeKeyRepo) GetByID(_ context.Context, id string) (*service.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.keys[id]
	if k == nil {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (f *fakeKeyRepo) List(_ context.Context) ([]*service.APIKey, error) { return nil, nil }

func (f *fakeKeyRepo) SetActive(_ context.Context, id string, active bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.keys[id]
	if k == nil {
		return false, nil
	}
	k.IsActive = active
	return true, nil
}

func (f *fakeKeyRepo) SetExpiry(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.keys[id]
	if k == nil {
		return false, nil
	}
	t := expiresAt
	k.ExpiresAt = &t
	return true, nil
}

func (f *fakeKeyRepo) TouchLastUsed(_ context.Context, _ string, _ time.Time) error { return nil }

func authTestRouter(t *testing.T, requiredRole string) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	keys := service.NewAPIKeyService(&fakeKeyRepo{keys: make(map[string]*service.APIKey)}, "pepper")
	raw, _, err := keys.Create(context.Background(), "test", domain.RoleService, nil)
	require.NoError(t, err)

	auth := NewAPIKeyAuthMiddleware(keys)
	r := gin.New()
	r.GET("/protected", auth(requiredRole), func(c *gin.Context) {
		key := AuthenticatedKey(c)
		require.NotNil(t, key)
		c.JSON(http.StatusOK, gin.H{"role": key.Role})
	})
	return r, raw
}

func doRequest(r *gin.Engine, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuth_BearerHeader(t *testing.T) {
	r, raw := authTestRouter(t, domain.RoleService)
	w := doRequest(r, "Authorization", "Bearer "+raw)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuth_XAPIKeyFallback(t *testing.T) {
	r, raw := authTestRouter(t, domain.RoleService)
	w := doRequest(r, "X-API-Key", raw)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuth_MissingKey(t *testing.T) {
	r, _ := authTestRouter(t, domain.RoleService)
	w := doRequest(r, "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "invalid_api_key")
}

func TestAPIKeyAuth_UnknownKey(t *testing.T) {
	r, _ := authTestRouter(t, domain.RoleService)
	w := doRequest(r, "Authorization", "Bearer aok_bogus")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyAuth_InsufficientRole(t *testing.T) {
	// The key carries role service; the route demands admin.
	r, raw := authTestRouter(t, domain.RoleAdmin)
	w := doRequest(r, "Authorization", "Bearer "+raw)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "insufficient_role")
}

func TestAPIKeyAuth_ServiceRoleCoversReadonlyRoutes(t *testing.T) {
	r, raw := authTestRouter(t, domain.RoleReadonly)
	w := doRequest(r, "Authorization", "Bearer "+raw)
	require.Equal(t, http.StatusOK, w.Code)
}
