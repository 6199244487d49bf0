package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"relaymail/backend/internal/domain"
)

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Created 创建成功响应（201）
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// RenderError 按错误类别渲染业务错误
//
// 映射规则：
//   - validation → 400，响应体含稳定错误码与翻译上下文
//   - conflict   → 409
//   - 其余       → 500，不泄露内部细节
func RenderError(c *gin.Context, err error) {
	var relayErr *domain.RelayError
	if !errors.As(err, &relayErr) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error_code": "InternalError",
			"detail":     "internal server error",
		})
		return
	}

	switch relayErr.Kind {
	case domain.KindValidation:
		c.JSON(http.StatusBadRequest, relayErr)
	case domain.KindConflict:
		c.JSON(http.StatusConflict, relayErr)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error_code": relayErr.Code,
			"detail":     "internal server error",
		})
	}
}
