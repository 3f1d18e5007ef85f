package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHasPermission_RoleDefaults(t *testing.T) {
	tests := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleUser, ActionOrderCreate, true},
		{RoleUser, ActionOrderProcess, false},
		{RoleUser, ActionWalletAdjust, false},
		{RoleAgent, ActionOrderProcess, true},
		{RoleAgent, ActionRechargeReview, false},
		{RoleAdmin, ActionWalletAdjust, true},
		{RoleAdmin, ActionLedgerAudit, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.action), func(t *testing.T) {
			caller := &Caller{ID: "c1", Role: tt.role}
			assert.Equal(t, tt.want, HasPermission(caller, tt.action))
		})
	}
}

func TestHasPermission_ExplicitGrant(t *testing.T) {
	caller := &Caller{ID: "ops-1", Role: RoleAgent, Grants: []Action{ActionRechargeReview}}
	assert.True(t, HasPermission(caller, ActionRechargeReview))
	assert.False(t, HasPermission(caller, ActionWalletAdjust))
}

func TestHasPermission_Anonymous(t *testing.T) {
	assert.False(t, HasPermission(nil, ActionWalletRead))
	assert.False(t, HasPermission(&Caller{Role: RoleAdmin}, ActionWalletRead))
}

func TestCanAccessOwner(t *testing.T) {
	assert.True(t, CanAccessOwner(&Caller{ID: "u1", Role: RoleUser}, "u1"))
	assert.False(t, CanAccessOwner(&Caller{ID: "u1", Role: RoleUser}, "u2"))
	assert.True(t, CanAccessOwner(&Caller{ID: "root", Role: RoleAdmin}, "u2"))
	assert.False(t, CanAccessOwner(nil, "u1"))
}

func TestParseGrants(t *testing.T) {
	assert.Nil(t, ParseGrants(""))
	assert.Equal(t, []Action{ActionOrderManage, ActionLedgerAudit}, ParseGrants(" order:manage, ,ledger:audit"))
}

func newRouter(token string, action Action) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(token))
	r.GET("/x", RequirePermission(action), func(c *gin.Context) {
		c.String(http.StatusOK, CallerID(c))
	})
	return r
}

func TestMiddleware_TrustsHeadersWithToken(t *testing.T) {
	r := newRouter("s3cret", ActionOrderCreate)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderInternalToken, "s3cret")
	req.Header.Set(HeaderCallerID, "user-7")
	req.Header.Set(HeaderCallerRole, "USER")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-7", w.Body.String())
}

func TestMiddleware_WrongTokenIsAnonymous(t *testing.T) {
	r := newRouter("s3cret", ActionOrderCreate)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderInternalToken, "guess")
	req.Header.Set(HeaderCallerID, "user-7")
	req.Header.Set(HeaderCallerRole, "admin")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequirePermission_Forbidden(t *testing.T) {
	r := newRouter("s3cret", ActionRechargeReview)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderInternalToken, "s3cret")
	req.Header.Set(HeaderCallerID, "agent-1")
	req.Header.Set(HeaderCallerRole, "agent")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "recharge:review")
}

func TestRequirePermission_ExtraGrantHeader(t *testing.T) {
	r := newRouter("s3cret", ActionRechargeReview)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderInternalToken, "s3cret")
	req.Header.Set(HeaderCallerID, "agent-1")
	req.Header.Set(HeaderCallerRole, "agent")
	req.Header.Set(HeaderCallerGrants, "recharge:review")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
