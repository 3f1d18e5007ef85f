package commission

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/topupledger/internal/auth"
)

const testToken = "internal-test-token"

func setupHandlerTest(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e, _ := newTestEngine(t)
	r := gin.New()
	r.Use(auth.Middleware(testToken))
	NewHandler(e, slog.Default()).RegisterAdminRoutes(r.Group("/v1"))
	return r
}

func do(r *gin.Engine, method, path, role, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderInternalToken, testToken)
	req.Header.Set(auth.HeaderCallerID, "caller-1")
	req.Header.Set(auth.HeaderCallerRole, role)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_UpsertAgent(t *testing.T) {
	r := setupHandlerTest(t)

	w := do(r, "PUT", "/v1/admin/agents/agent-1", "admin", `{"name":"Ana","commissionRate":"10"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"commissionRate":"10"`)

	w = do(r, "GET", "/v1/admin/agents/agent-1", "admin", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, "GET", "/v1/admin/agents", "admin", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_UpsertAgent_Rejections(t *testing.T) {
	r := setupHandlerTest(t)

	assert.Equal(t, http.StatusBadRequest, do(r, "PUT", "/v1/admin/agents/agent-1", "admin", `{"commissionRate":"150"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "PUT", "/v1/admin/agents/agent-1", "admin", `{}`).Code)
	assert.Equal(t, http.StatusForbidden, do(r, "PUT", "/v1/admin/agents/agent-1", "agent", `{"commissionRate":"50"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(r, "GET", "/v1/admin/agents/ghost", "admin", "").Code)
}
