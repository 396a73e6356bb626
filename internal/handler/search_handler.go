package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dataset-trainer-go/internal/service"
	"dataset-trainer-go/pkg/log"
)

// SearchHandler 结构体定义了检索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// SearchRequest 定义了检索 API 的请求体结构。
type SearchRequest struct {
	DatasetIDs []string           `json:"datasetIds" binding:"required,min=1"`
	Query      string             `json:"query" binding:"required"`
	TopK       int                `json:"topK"`
	Mode       service.SearchMode `json:"mode"`
	Similarity float64            `json:"similarity"`
}

func (h *SearchHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[SearchHandler] 检索请求参数无效, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的查询参数"})
		return
	}
	p, found := principal(c)
	if !found {
		return
	}
	log.Infof("[SearchHandler] 收到检索请求, query: %s, mode: %s, topK: %d", req.Query, req.Mode, req.TopK)

	results, err := h.searchService.Search(c.Request.Context(), p, service.SearchRequest{
		DatasetIDs: req.DatasetIDs,
		Query:      req.Query,
		TopK:       req.TopK,
		Mode:       req.Mode,
		Similarity: req.Similarity,
	})
	if err != nil {
		fail(c, "检索", err)
		return
	}
	ok(c, "success", results)
}
