package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/normalize"
	"dataset-trainer-go/internal/service"
	"dataset-trainer-go/pkg/log"
)

// 单次上传的最大字节数
const maxUploadBytes = 64 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// CollectionHandler 负责集合的导入、状态、重试与删除。
type CollectionHandler struct {
	collectionService service.CollectionService
	// 状态推送间隔
	interval time.Duration
}

// NewCollectionHandler 创建一个新的 CollectionHandler 实例。
func NewCollectionHandler(collectionService service.CollectionService) *CollectionHandler {
	return &CollectionHandler{collectionService: collectionService, interval: time.Second}
}

// CreateCollectionRequest 定义了 JSON 方式导入集合的请求体结构。
// type 取值 text | link | folder | virtual | backup，backup 时 text 为 CSV 内容。
type CreateCollectionRequest struct {
	Type         string             `json:"type" binding:"required"`
	Name         string             `json:"name"`
	ParentID     *string            `json:"parentId"`
	Text         string             `json:"text"`
	URL          string             `json:"url"`
	Selector     string             `json:"selector"`
	TrainingMode model.TrainingMode `json:"trainingMode"`
	ChunkSize    int                `json:"chunkSize"`
	OverlapRatio *float64           `json:"overlapRatio"`
	Delimiters   []string           `json:"delimiters"`
}

// RetryRequest 定义了重试失败条目的请求体结构，dataId 为空时重试全部。
type RetryRequest struct {
	DataID string `json:"dataId"`
}

// ForbidRequest 定义了设置禁用状态的请求体结构。
type ForbidRequest struct {
	Forbid *bool `json:"forbid" binding:"required"`
}

// Create 同时支持 JSON 与 multipart 两种请求体。
func (h *CollectionHandler) Create(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	var (
		req service.CreateCollectionRequest
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		req, err = multipartRequest(c)
	} else {
		req, err = jsonRequest(c)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.DatasetID = c.Param("id")

	res, err := h.collectionService.Create(c.Request.Context(), p, req)
	if err != nil {
		fail(c, "导入集合", err)
		return
	}
	msg := "导入成功，已加入训练队列"
	if !res.Created {
		msg = "内容已存在，返回已有集合"
	}
	ok(c, msg, res)
}

func jsonRequest(c *gin.Context) (service.CreateCollectionRequest, error) {
	var body CreateCollectionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return service.CreateCollectionRequest{}, errors.New("无效的请求负载")
	}
	req := service.CreateCollectionRequest{
		ParentID:     body.ParentID,
		Name:         body.Name,
		TrainingMode: body.TrainingMode,
		ChunkSize:    body.ChunkSize,
		OverlapRatio: body.OverlapRatio,
		Delimiters:   body.Delimiters,
	}
	switch body.Type {
	case "text":
		req.Source = normalize.Text{Name: body.Name, Content: body.Text}
	case "link":
		if body.URL == "" {
			return req, errors.New("缺少链接地址")
		}
		req.Source = normalize.Link{URL: body.URL, Selector: body.Selector}
	case "folder":
		req.Source = normalize.Folder{Name: body.Name}
	case "virtual":
		req.Source = normalize.Folder{Name: body.Name, Virtual: true}
	case "backup":
		req.Source = normalize.Backup{Name: firstNonEmpty(body.Name, "backup.csv"), Data: []byte(body.Text)}
	default:
		return req, fmt.Errorf("不支持的集合类型: %s", body.Type)
	}
	return req, nil
}

func multipartRequest(c *gin.Context) (service.CreateCollectionRequest, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		return service.CreateCollectionRequest{}, errors.New("无效的表单或文件过大")
	}
	req := service.CreateCollectionRequest{
		Name:         c.PostForm("name"),
		TrainingMode: model.TrainingMode(c.PostForm("trainingMode")),
		Delimiters:   c.PostFormArray("delimiters"),
	}
	if parent := c.PostForm("parentId"); parent != "" {
		req.ParentID = &parent
	}
	if v := c.PostForm("chunkSize"); v != "" {
		if req.ChunkSize, err = strconv.Atoi(v); err != nil {
			return req, errors.New("无效的 chunkSize")
		}
	}
	if v := c.PostForm("overlapRatio"); v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, errors.New("无效的 overlapRatio")
		}
		req.OverlapRatio = &ratio
	}

	files := form.File["file"]
	switch c.DefaultPostForm("type", "file") {
	case "file":
		if len(files) != 1 {
			return req, errors.New("需要且只能上传一个文件")
		}
		name, ct, data, err := readPart(files[0])
		if err != nil {
			return req, err
		}
		req.Source = normalize.File{Name: name, ContentType: ct, Data: data}
	case "backup":
		if len(files) != 1 {
			return req, errors.New("需要且只能上传一个备份文件")
		}
		name, _, data, err := readPart(files[0])
		if err != nil {
			return req, err
		}
		req.Source = normalize.Backup{Name: name, Data: data}
	case "images":
		if len(files) == 0 {
			return req, errors.New("未上传图片")
		}
		imgs := normalize.Images{Name: req.Name}
		for _, fh := range files {
			name, ct, data, err := readPart(fh)
			if err != nil {
				return req, err
			}
			imgs.Items = append(imgs.Items, normalize.Image{Name: name, ContentType: ct, Data: data})
		}
		req.Source = imgs
	default:
		return req, fmt.Errorf("不支持的上传类型: %s", c.PostForm("type"))
	}
	return req, nil
}

func readPart(fh *multipart.FileHeader) (string, string, []byte, error) {
	f, err := fh.Open()
	if err != nil {
		return "", "", nil, errors.New("未能读取上传的文件")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", "", nil, errors.New("未能读取上传的文件")
	}
	return fh.Filename, fh.Header.Get("Content-Type"), data, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (h *CollectionHandler) List(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	var parent *string
	if v := c.Query("parentId"); v != "" {
		parent = &v
	}
	list, err := h.collectionService.List(c.Request.Context(), p, c.Param("id"), parent)
	if err != nil {
		fail(c, "获取集合列表", err)
		return
	}
	ok(c, "success", list)
}

func (h *CollectionHandler) Status(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	st, err := h.collectionService.Status(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		fail(c, "获取集合状态", err)
		return
	}
	ok(c, "success", st)
}

func (h *CollectionHandler) Failed(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	items, err := h.collectionService.ListFailed(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		fail(c, "获取失败条目", err)
		return
	}
	ok(c, "success", items)
}

func (h *CollectionHandler) Retry(c *gin.Context) {
	var req RetryRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
			return
		}
	}
	p, found := principal(c)
	if !found {
		return
	}
	n, err := h.collectionService.Retry(c.Request.Context(), p, c.Param("id"), req.DataID)
	if err != nil {
		fail(c, "重试失败条目", err)
		return
	}
	ok(c, "已重新加入训练队列", gin.H{"count": n})
}

func (h *CollectionHandler) Forbid(c *gin.Context) {
	var req ForbidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	p, found := principal(c)
	if !found {
		return
	}
	ids, err := h.collectionService.SetForbid(c.Request.Context(), p, c.Param("id"), *req.Forbid)
	if err != nil {
		fail(c, "设置禁用状态", err)
		return
	}
	ok(c, "设置成功", gin.H{"collectionIds": ids})
}

func (h *CollectionHandler) Delete(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	if err := h.collectionService.Delete(c.Request.Context(), p, c.Param("id")); err != nil {
		fail(c, "删除集合", err)
		return
	}
	ok(c, "删除集合成功", nil)
}

// StatusStream 通过 WebSocket 定时推送训练进度，队列清空后发送最后一帧并关闭。
func (h *CollectionHandler) StatusStream(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	id := c.Param("id")
	st, err := h.collectionService.Status(c.Request.Context(), p, id)
	if err != nil {
		fail(c, "订阅集合状态", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("[CollectionHandler] WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 读循环只用于感知客户端断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := conn.WriteJSON(st); err != nil {
			log.Warnf("[CollectionHandler] 推送状态失败, collection: %s, error: %v", id, err)
			return
		}
		if st.PendingCount == 0 {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(st.Phase)))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if st, err = h.collectionService.Status(ctx, p, id); err != nil {
			_, msg := statusOf(err)
			_ = conn.WriteJSON(gin.H{"error": msg})
			return
		}
	}
}
