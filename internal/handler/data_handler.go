package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/service"
)

// DataHandler 负责集合内单条数据的增删改查。
type DataHandler struct {
	dataService service.DataService
}

// NewDataHandler 创建一个新的 DataHandler 实例。
func NewDataHandler(dataService service.DataService) *DataHandler {
	return &DataHandler{dataService: dataService}
}

// DataRequest 定义了写入或修改数据的请求体结构。
type DataRequest struct {
	Q       string            `json:"q"`
	A       string            `json:"a"`
	Indexes []model.DataIndex `json:"indexes"`
}

func (r DataRequest) input() service.DataInput {
	return service.DataInput{Q: r.Q, A: r.A, Indexes: r.Indexes}
}

func (h *DataHandler) Insert(c *gin.Context) {
	var req DataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	p, found := principal(c)
	if !found {
		return
	}
	rec, err := h.dataService.Insert(c.Request.Context(), p, c.Param("id"), req.input())
	if err != nil {
		fail(c, "写入数据", err)
		return
	}
	ok(c, "写入数据成功", rec)
}

// List 分页参数 offset 与 limit 可省略。
func (h *DataHandler) List(c *gin.Context) {
	offset, err1 := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, err2 := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的分页参数"})
		return
	}
	p, found := principal(c)
	if !found {
		return
	}
	page, err := h.dataService.List(c.Request.Context(), p, c.Param("id"), offset, limit)
	if err != nil {
		fail(c, "获取数据列表", err)
		return
	}
	ok(c, "success", page)
}

func (h *DataHandler) Get(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	rec, err := h.dataService.Get(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		fail(c, "获取数据", err)
		return
	}
	ok(c, "success", rec)
}

func (h *DataHandler) Update(c *gin.Context) {
	var req DataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	p, found := principal(c)
	if !found {
		return
	}
	rec, err := h.dataService.Update(c.Request.Context(), p, c.Param("id"), req.input())
	if err != nil {
		fail(c, "更新数据", err)
		return
	}
	ok(c, "更新数据成功", rec)
}

func (h *DataHandler) Delete(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	if err := h.dataService.Delete(c.Request.Context(), p, c.Param("id")); err != nil {
		fail(c, "删除数据", err)
		return
	}
	ok(c, "删除数据成功", nil)
}
