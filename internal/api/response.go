package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Byuntil/coupon-system/internal/model"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// statusFor 错误类别到HTTP状态码
func statusFor(err error) int {
	switch model.ReasonOf(err) {
	case model.ReasonNotFound:
		return http.StatusNotFound
	case model.ReasonInvalid:
		return http.StatusBadRequest
	case model.ReasonNotAvailable:
		return http.StatusUnprocessableEntity
	case model.ReasonAlreadyExists, model.ReasonAlreadyUsed, model.ReasonDuplicate,
		model.ReasonOutOfStock, model.ReasonLockBusy, model.ReasonIssueCodeConflict:
		return http.StatusConflict
	case model.ReasonCacheUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func RespondError(c *gin.Context, err error) {
	msg := "internal error"
	if model.IsExpected(err) {
		msg = err.Error()
	}
	c.JSON(statusFor(err), ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    string(model.ReasonOf(err)),
		},
	})
}

func RespondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorEnvelope{
		Error: APIError{Message: err.Error(), Code: string(model.ReasonInvalid)},
	})
}
