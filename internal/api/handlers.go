package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/model"
	"github.com/Byuntil/coupon-system/internal/service"
)

// CouponService 面向用户的发券和用券
type CouponService interface {
	Issue(ctx context.Context, code string, userID int64, requestIP string) (*service.IssueResult, error)
	Use(ctx context.Context, userID int64, issueCode string) (*service.UseResult, error)
}

// AdminService 管理端操作
type AdminService interface {
	Create(ctx context.Context, draft model.CouponDraft) (model.CouponDefinition, error)
	Update(ctx context.Context, code string, draft model.CouponDraft) (model.CouponDefinition, error)
	Delete(ctx context.Context, code string) error
	Disable(ctx context.Context, code string) error
	Status(ctx context.Context, code string) (*service.CouponStatusView, error)
}

type CouponHandler struct {
	coupons CouponService
	log     *logger.Logger
}

func NewCouponHandler(coupons CouponService, log *logger.Logger) *CouponHandler {
	return &CouponHandler{coupons: coupons, log: log}
}

type issueRequest struct {
	Code      string `json:"code" binding:"required"`
	UserID    int64  `json:"userId" binding:"required"`
	RequestIP string `json:"requestIp"`
}

type issueResponse struct {
	Success   bool   `json:"success"`
	IssueCode string `json:"issueCode,omitempty"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
}

// Issue POST /api/v1/coupons/issue
func (h *CouponHandler) Issue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, err)
		return
	}
	if req.RequestIP == "" {
		req.RequestIP = c.ClientIP()
	}

	res, err := h.coupons.Issue(c.Request.Context(), req.Code, req.UserID, req.RequestIP)
	if res == nil {
		RespondError(c, err)
		return
	}

	body := issueResponse{
		Success:   res.Success,
		IssueCode: res.IssueCode,
		Message:   res.Message,
		Reason:    string(model.ReasonOf(res.Reason)),
	}
	switch {
	case err != nil:
		c.JSON(statusFor(err), body)
	case res.Success:
		c.JSON(http.StatusCreated, body)
	case model.ReasonOf(res.Reason) == model.ReasonNotFound:
		c.JSON(http.StatusNotFound, body)
	default:
		c.JSON(http.StatusConflict, body)
	}
}

type useRequest struct {
	UserID    int64  `json:"userId" binding:"required"`
	IssueCode string `json:"issueCode" binding:"required"`
}

type useResponse struct {
	Success       bool               `json:"success"`
	DiscountType  model.DiscountType `json:"discountType"`
	DiscountValue int                `json:"discountValue"`
	UsedAt        time.Time          `json:"usedAt"`
}

// Use POST /api/v1/coupons/use
func (h *CouponHandler) Use(c *gin.Context) {
	var req useRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, err)
		return
	}

	res, err := h.coupons.Use(c.Request.Context(), req.UserID, req.IssueCode)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, useResponse{
		Success:       res.Success,
		DiscountType:  res.DiscountType,
		DiscountValue: res.DiscountValue,
		UsedAt:        res.UsedAt,
	})
}

type AdminHandler struct {
	admin AdminService
	log   *logger.Logger
}

func NewAdminHandler(admin AdminService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, log: log}
}

// Create POST /api/v1/admin/coupons
func (h *AdminHandler) Create(c *gin.Context) {
	var draft model.CouponDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		RespondBadRequest(c, err)
		return
	}
	created, err := h.admin.Create(c.Request.Context(), draft)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Update PUT /api/v1/admin/coupons/:code
func (h *AdminHandler) Update(c *gin.Context) {
	var draft model.CouponDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		RespondBadRequest(c, err)
		return
	}
	updated, err := h.admin.Update(c.Request.Context(), c.Param("code"), draft)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// Delete DELETE /api/v1/admin/coupons/:code
func (h *AdminHandler) Delete(c *gin.Context) {
	if err := h.admin.Delete(c.Request.Context(), c.Param("code")); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Disable POST /api/v1/admin/coupons/:code/disable
func (h *AdminHandler) Disable(c *gin.Context) {
	if err := h.admin.Disable(c.Request.Context(), c.Param("code")); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Status GET /api/v1/admin/coupons/:code/status
func (h *AdminHandler) Status(c *gin.Context) {
	view, err := h.admin.Status(c.Request.Context(), c.Param("code"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
