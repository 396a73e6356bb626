// Package service 包含了应用的业务逻辑层。
package service

import "errors"

var (
	ErrNotFound             = errors.New("资源不存在")
	ErrForbidden            = errors.New("无权访问该资源")
	ErrEmbeddingModelLocked = errors.New("知识库已有数据，不能修改 embedding 模型")
	ErrCollectionDeleting   = errors.New("集合正在删除")
	ErrInvalidArgument      = errors.New("参数错误")
)
