package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vat_reconciliation/appctx"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func echoBusiness(c *gin.Context) {
	businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
	admin, _ := appctx.GetBool(c.Request.Context(), appctx.ContextKeyIsAdmin)
	c.JSON(http.StatusOK, gin.H{"business_id": businessId, "admin": admin})
}

func serve(t *testing.T, r *gin.Engine, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	t.Setenv("API_SECRET", "mw-secret")
	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/", echoBusiness)

	t.Run("missing token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, serve(t, r, nil).Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		w := serve(t, r, http.Header{"Authorization": {"Bearer not-a-jwt"}})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("business token scopes the request", func(t *testing.T) {
		token, err := utils.JwtGenerate("u-1", "maria", "biz-1", "accountant")
		require.NoError(t, err)
		w := serve(t, r, http.Header{"Authorization": {"Bearer " + token}, BusinessHeader: {"biz-2"}})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"business_id":"biz-1","admin":false}`, w.Body.String())
	})

	t.Run("operator picks the business by header", func(t *testing.T) {
		token, err := utils.JwtGenerate("op-1", "ops", "", utils.RoleOperator)
		require.NoError(t, err)
		w := serve(t, r, http.Header{"Authorization": {"Bearer " + token}})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = serve(t, r, http.Header{"Authorization": {"Bearer " + token}, BusinessHeader: {"biz-9"}})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"business_id":"biz-9","admin":true}`, w.Body.String())
	})
}

func TestOperatorOnly(t *testing.T) {
	t.Setenv("API_SECRET", "mw-secret")
	r := gin.New()
	r.Use(AuthMiddleware(), OperatorOnly())
	r.GET("/", echoBusiness)

	token, err := utils.JwtGenerate("u-1", "maria", "biz-1", "accountant")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, serve(t, r, http.Header{"Authorization": {"Bearer " + token}}).Code)
}

func TestCorrelationMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CorrelationMiddleware())
	r.GET("/", func(c *gin.Context) {
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.String(http.StatusOK, cid)
	})

	w := serve(t, r, http.Header{CorrelationHeader: {"abc-123"}})
	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get(CorrelationHeader))

	w = serve(t, r, nil)
	assert.Len(t, w.Body.String(), 36)
	assert.Equal(t, w.Body.String(), w.Header().Get(CorrelationHeader))
}
