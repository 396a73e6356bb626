package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"dataset-trainer-go/internal/service"
	"dataset-trainer-go/pkg/log"
)

// DatasetHandler 负责知识库的增删查改与导出。
type DatasetHandler struct {
	datasetService service.DatasetService
}

// NewDatasetHandler 创建一个新的 DatasetHandler 实例。
func NewDatasetHandler(datasetService service.DatasetService) *DatasetHandler {
	return &DatasetHandler{datasetService: datasetService}
}

// CreateDatasetRequest 定义了创建知识库的请求体结构。
type CreateDatasetRequest struct {
	Name           string `json:"name" binding:"required"`
	EmbeddingModel string `json:"embeddingModel"`
	AgentModel     string `json:"agentModel"`
}

// UpdateModelsRequest 定义了修改知识库模型的请求体结构。
type UpdateModelsRequest struct {
	EmbeddingModel string `json:"embeddingModel"`
	AgentModel     string `json:"agentModel"`
}

func (h *DatasetHandler) Create(c *gin.Context) {
	var req CreateDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	p, found := principal(c)
	if !found {
		return
	}
	ds, err := h.datasetService.Create(c.Request.Context(), p, service.CreateDatasetRequest{
		Name: req.Name, EmbeddingModel: req.EmbeddingModel, AgentModel: req.AgentModel,
	})
	if err != nil {
		fail(c, "创建知识库", err)
		return
	}
	ok(c, "创建知识库成功", ds)
}

func (h *DatasetHandler) Get(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	ds, err := h.datasetService.Get(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		fail(c, "获取知识库", err)
		return
	}
	ok(c, "success", ds)
}

func (h *DatasetHandler) UpdateModels(c *gin.Context) {
	var req UpdateModelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	p, found := principal(c)
	if !found {
		return
	}
	ds, err := h.datasetService.UpdateModels(c.Request.Context(), p, c.Param("id"), req.EmbeddingModel, req.AgentModel)
	if err != nil {
		fail(c, "修改知识库模型", err)
		return
	}
	ok(c, "修改模型成功", ds)
}

func (h *DatasetHandler) Delete(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	if err := h.datasetService.Delete(c.Request.Context(), p, c.Param("id")); err != nil {
		fail(c, "删除知识库", err)
		return
	}
	ok(c, "删除知识库成功", nil)
}

// Export 以 CSV 流式返回知识库全部数据。
func (h *DatasetHandler) Export(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	id := c.Param("id")
	// 先确认权限，避免写出响应头后才发现无权访问
	if _, err := h.datasetService.Get(c.Request.Context(), p, id); err != nil {
		fail(c, "导出知识库", err)
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".csv"))
	c.Status(http.StatusOK)
	n, err := h.datasetService.Export(c.Request.Context(), p, id, c.Writer)
	if err != nil {
		log.Errorf("[DatasetHandler] 导出中断, dataset: %s, rows: %d, error: %v", id, n, err)
	}
}
