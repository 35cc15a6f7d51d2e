package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Byuntil/coupon-system/internal/api/graph"
	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/metrics"
	"github.com/Byuntil/coupon-system/internal/model"
	"github.com/Byuntil/coupon-system/internal/service"
)

type fakeCoupons struct {
	lastIP string
}

func (f *fakeCoupons) Issue(_ context.Context, code string, userID int64, requestIP string) (*service.IssueResult, error) {
	f.lastIP = requestIP
	switch code {
	case "EMPTY":
		return &service.IssueResult{Message: "out of stock", Reason: model.ErrOutOfStock}, nil
	case "MISSING":
		return &service.IssueResult{Message: "coupon not found", Reason: model.ErrCouponNotFound}, nil
	case "DOWN":
		err := model.ErrCacheUnavailable
		return &service.IssueResult{Message: "cache unavailable", Reason: err}, err
	}
	return &service.IssueResult{Success: true, IssueCode: "ABCD1234", Message: "coupon issued"}, nil
}

func (f *fakeCoupons) Use(_ context.Context, userID int64, issueCode string) (*service.UseResult, error) {
	switch issueCode {
	case "USED0000":
		return nil, model.ErrAlreadyUsed
	case "UNKNOWN0":
		return nil, model.ErrIssuanceNotFound
	case "EXPIRED0":
		return nil, model.ErrCouponExpired
	case "BROKEN00":
		return nil, errors.New("connection reset by peer")
	}
	return &service.UseResult{
		Success:       true,
		DiscountType:  model.DiscountPercent,
		DiscountValue: 15,
		UsedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

type fakeAdmin struct {
	deleted []string
}

func (f *fakeAdmin) Create(_ context.Context, draft model.CouponDraft) (model.CouponDefinition, error) {
	if draft.Code == "DUP" {
		return model.CouponDefinition{}, model.ErrAlreadyExists
	}
	return model.NewCouponDefinition(draft)
}

func (f *fakeAdmin) Update(_ context.Context, code string, draft model.CouponDraft) (model.CouponDefinition, error) {
	if code == "USED" {
		return model.CouponDefinition{}, model.ErrAlreadyUsed
	}
	draft.Code = code
	return model.NewCouponDefinition(draft)
}

func (f *fakeAdmin) Delete(_ context.Context, code string) error {
	if code == "MISSING" {
		return model.ErrCouponNotFound
	}
	f.deleted = append(f.deleted, code)
	return nil
}

func (f *fakeAdmin) Disable(_ context.Context, code string) error {
	if code == "DELETED" {
		return model.ErrCouponDeleted
	}
	return nil
}

func (f *fakeAdmin) Status(_ context.Context, code string) (*service.CouponStatusView, error) {
	return &service.CouponStatusView{
		CouponDefinition: model.CouponDefinition{Code: code, TotalStock: 4, RemainStock: 1},
		IssuedCount:      3,
		IssueRate:        75,
	}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeCoupons, *fakeAdmin) {
	t.Helper()
	coupons := &fakeCoupons{}
	admin := &fakeAdmin{}
	reg := prometheus.NewRegistry()
	metrics.NewCouponMetrics(reg).ObserveUse("success")

	router := NewRouter(RouterConfig{
		Mode:          gin.TestMode,
		CouponHandler: NewCouponHandler(coupons, logger.NewNop()),
		AdminHandler:  NewAdminHandler(admin, logger.NewNop()),
		GraphQL:       graph.NewGraphQLServer(coupons, admin, "/graphql"),
		GraphQLPath:   "/graphql",
		Gatherer:      reg,
		Log:           logger.NewNop(),
	})
	return router, coupons, admin
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.5:40000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIssueEndpoint(t *testing.T) {
	router, coupons, _ := newTestRouter(t)

	rec := do(router, http.MethodPost, "/api/v1/coupons/issue", `{"code":"TEST-0001","userId":7}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	var body issueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "ABCD1234", body.IssueCode)
	assert.Equal(t, "203.0.113.5", coupons.lastIP)

	rec = do(router, http.MethodPost, "/api/v1/coupons/issue", `{"code":"EMPTY","userId":7,"requestIp":"10.0.0.1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "out of stock", body.Message)
	assert.Equal(t, "out_of_stock", body.Reason)
	assert.Equal(t, "10.0.0.1", coupons.lastIP)

	rec = do(router, http.MethodPost, "/api/v1/coupons/issue", `{"code":"MISSING","userId":7}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/coupons/issue", `{"code":"DOWN","userId":7}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/coupons/issue", `{"userId":7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUseEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := do(router, http.MethodPost, "/api/v1/coupons/use", `{"userId":7,"issueCode":"ABCD1234"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body useResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 15, body.DiscountValue)
	assert.Equal(t, model.DiscountPercent, body.DiscountType)

	cases := map[string]int{
		"USED0000": http.StatusConflict,
		"UNKNOWN0": http.StatusNotFound,
		"EXPIRED0": http.StatusUnprocessableEntity,
		"BROKEN00": http.StatusInternalServerError,
	}
	for code, status := range cases {
		rec := do(router, http.MethodPost, "/api/v1/coupons/use", `{"userId":7,"issueCode":"`+code+`"}`)
		assert.Equal(t, status, rec.Code, code)
	}

	rec = do(router, http.MethodPost, "/api/v1/coupons/use", `{"userId":7,"issueCode":"BROKEN00"}`)
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "internal error", env.Error.Message)
}

func TestAdminEndpoints(t *testing.T) {
	router, _, admin := newTestRouter(t)
	draft := `{"code":"%s","name":"spring sale","discountType":"FIXED","discountValue":1000,"totalStock":10,` +
		`"startTime":"2026-03-01T00:00:00Z","endTime":"2026-03-02T00:00:00Z","expireTime":"2026-03-03T00:00:00Z"}`

	rec := do(router, http.MethodPost, "/api/v1/admin/coupons", strings.Replace(draft, "%s", "TEST-0001", 1))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/admin/coupons", strings.Replace(draft, "%s", "DUP", 1))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/admin/coupons", strings.Replace(draft, `"totalStock":10`, `"totalStock":0`, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodPut, "/api/v1/admin/coupons/TEST-0001", strings.Replace(draft, "%s", "", 1))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(router, http.MethodPut, "/api/v1/admin/coupons/USED", strings.Replace(draft, "%s", "", 1))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(router, http.MethodDelete, "/api/v1/admin/coupons/TEST-0001", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"TEST-0001"}, admin.deleted)
	rec = do(router, http.MethodDelete, "/api/v1/admin/coupons/MISSING", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/admin/coupons/DELETED/disable", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(router, http.MethodGet, "/api/v1/admin/coupons/TEST-0001/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 75.0, view["issueRate"])
	assert.Equal(t, "TEST-0001", view["code"])
}

func TestOperationalEndpoints(t *testing.T) {
	router, coupons, _ := newTestRouter(t)

	rec := do(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coupon_use_total")

	rec = do(router, http.MethodPost, "/graphql", `{"query":"mutation { issueCoupon(code: \"TEST-0001\", userId: \"7\") { success } }"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)
	assert.Equal(t, "203.0.113.5", coupons.lastIP)

	rec = do(router, http.MethodGet, "/graphql", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
