// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dataset-trainer-go/internal/dedup"
	"dataset-trainer-go/internal/middleware"
	"dataset-trainer-go/internal/normalize"
	"dataset-trainer-go/internal/service"
	"dataset-trainer-go/pkg/embedding"
	"dataset-trainer-go/pkg/log"
)

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": message,
		"data":    data,
	})
}

// statusOf 把业务错误映射为 HTTP 状态码与对外的错误信息。
func statusOf(err error) (int, string) {
	switch {
	case normalize.IsInputError(err), errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "资源不存在"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "无权访问该资源"
	case errors.Is(err, service.ErrEmbeddingModelLocked), errors.Is(err, service.ErrCollectionDeleting):
		return http.StatusConflict, err.Error()
	case errors.Is(err, dedup.ErrBusy):
		return http.StatusConflict, "相同内容正在导入，请稍后重试"
	case embedding.IsRateLimited(err):
		return http.StatusTooManyRequests, "向量模型限流，请稍后重试"
	default:
		return http.StatusInternalServerError, "服务器内部错误"
	}
}

func fail(c *gin.Context, op string, err error) {
	status, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("[Handler] %s 失败, path: %s, error: %v", op, c.Request.URL.Path, err)
	} else {
		log.Warnf("[Handler] %s 被拒绝, path: %s, status: %d, error: %v", op, c.Request.URL.Path, status, err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func principal(c *gin.Context) (service.Principal, bool) {
	p, found := middleware.CurrentPrincipal(c)
	if !found {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
	}
	return p, found
}
