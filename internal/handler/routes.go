package handler

import (
	"github.com/gin-gonic/gin"
)

// Register 在 /api/v1 分组下注册全部接口，auth 为认证中间件。
func Register(apiV1 *gin.RouterGroup, auth gin.HandlerFunc, datasets *DatasetHandler, collections *CollectionHandler,
	data *DataHandler, search *SearchHandler) {
	ds := apiV1.Group("/datasets")
	ds.Use(auth)
	{
		ds.POST("", datasets.Create)
		ds.GET("/:id", datasets.Get)
		ds.PUT("/:id/models", datasets.UpdateModels)
		ds.DELETE("/:id", datasets.Delete)
		ds.GET("/:id/export", datasets.Export)
		ds.POST("/:id/collections", collections.Create)
		ds.GET("/:id/collections", collections.List)
	}

	colls := apiV1.Group("/collections")
	colls.Use(auth)
	{
		colls.GET("/:id/status", collections.Status)
		colls.GET("/:id/status/ws", collections.StatusStream)
		colls.GET("/:id/failed", collections.Failed)
		colls.POST("/:id/retry", collections.Retry)
		colls.PUT("/:id/forbid", collections.Forbid)
		colls.DELETE("/:id", collections.Delete)
		colls.POST("/:id/data", data.Insert)
		colls.GET("/:id/data", data.List)
	}

	datas := apiV1.Group("/data")
	datas.Use(auth)
	{
		datas.GET("/:id", data.Get)
		datas.PUT("/:id", data.Update)
		datas.DELETE("/:id", data.Delete)
	}

	apiV1.POST("/search", auth, search.Search)
}
