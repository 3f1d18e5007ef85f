package recharge

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/topupledger/internal/auth"
	"github.com/mbd888/topupledger/internal/money"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testToken = "internal-test-token"

func setupHandlerTest(t *testing.T) (*gin.Engine, *Service, *flakyLedger) {
	t.Helper()
	svc, fl := newTestService(t)
	h := NewHandler(svc, slog.Default())

	r := gin.New()
	r.Use(auth.Middleware(testToken))
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1)
	return r, svc, fl
}

func doRequest(r *gin.Engine, method, path, callerID, role, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if callerID != "" {
		req.Header.Set(auth.HeaderInternalToken, testToken)
		req.Header.Set(auth.HeaderCallerID, callerID)
		req.Header.Set(auth.HeaderCallerRole, role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_SubmitAndApprove(t *testing.T) {
	r, _, fl := setupHandlerTest(t)

	w := doRequest(r, "POST", "/v1/recharge-requests", "user-1", "user", `{"amount":"30"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "user-1", created.Request.OwnerID)
	id := created.Request.ID

	w = doRequest(r, "POST", "/v1/admin/recharge-requests/"+id+"/approve", "user-1", "user", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(r, "POST", "/v1/admin/recharge-requests/"+id+"/approve", "admin-1", "admin", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var approved Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &approved))
	assert.Equal(t, StatusCompleted, approved.Request.Status)
	require.Len(t, approved.Transactions, 1)
	assert.True(t, approved.Transactions[0].BalanceAfter.Equal(money.MustParse("30")))

	v, err := fl.Balance(t.Context(), "user-1")
	require.NoError(t, err)
	assert.True(t, v.Balance.Equal(money.MustParse("30")))

	w = doRequest(r, "POST", "/v1/admin/recharge-requests/"+id+"/reject", "admin-1", "admin", `{"reason":"dup"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_transition")
}

func TestHandler_SubmitValidation(t *testing.T) {
	r, _, _ := setupHandlerTest(t)

	for _, body := range []string{`{}`, `{"amount":"-1"}`, `{"amount":"1.234"}`, `{"amount":"abc"}`} {
		w := doRequest(r, "POST", "/v1/recharge-requests", "user-1", "user", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}

	w := doRequest(r, "POST", "/v1/recharge-requests", "agent-1", "agent", `{"amount":"1"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_RejectWithoutBody(t *testing.T) {
	r, svc, _ := setupHandlerTest(t)
	req := submit(t, svc, "user-1", "5")

	w := doRequest(r, "POST", "/v1/admin/recharge-requests/"+req.ID+"/reject", "admin-1", "admin", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"rejected"`)
}

func TestHandler_GetOwnOnly(t *testing.T) {
	r, svc, _ := setupHandlerTest(t)
	req := submit(t, svc, "user-1", "5")

	assert.Equal(t, http.StatusOK, doRequest(r, "GET", "/v1/recharge-requests/"+req.ID, "user-1", "user", "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(r, "GET", "/v1/recharge-requests/"+req.ID, "user-2", "user", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(r, "GET", "/v1/recharge-requests/"+req.ID, "admin-1", "admin", "").Code)
}

func TestHandler_AdminQueue(t *testing.T) {
	r, svc, _ := setupHandlerTest(t)
	submit(t, svc, "user-1", "5")
	submit(t, svc, "user-2", "6")

	w := doRequest(r, "GET", "/v1/admin/recharge-requests", "admin-1", "admin", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = doRequest(r, "GET", "/v1/admin/recharge-requests?status=bogus", "admin-1", "admin", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
