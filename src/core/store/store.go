package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vision-qa-server/src/models"

	"gorm.io/gorm"
)

// ErrNotFound 按 id 查询未命中
var ErrNotFound = errors.New("record not found")

// RecordStore 问答记录存储，只提供创建与按 id 查询
type RecordStore interface {
	Create(ctx context.Context, question string, imageData []byte, answer string) (*models.QueryRecord, error)
	GetByID(ctx context.Context, id uint) (*models.QueryRecord, error)
}

// GormStore 基于 gorm 的记录存储
type GormStore struct {
	db *gorm.DB
	// 串行化写入，保证并发创建时 id 单调且唯一（sqlite 不支持并发写）
	createMu sync.Mutex
}

// NewGormStore 创建存储，表结构由 database.InitDB 迁移
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Create 持久化一条新记录并返回带 id 的完整记录
func (s *GormStore) Create(ctx context.Context, question string, imageData []byte, answer string) (*models.QueryRecord, error) {
	record := &models.QueryRecord{
		Question:  question,
		ImageData: imageData,
		Response:  answer,
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	return record, nil
}

// GetByID 按 id 查询，未命中返回 ErrNotFound
func (s *GormStore) GetByID(ctx context.Context, id uint) (*models.QueryRecord, error) {
	var record models.QueryRecord
	err := s.db.WithContext(ctx).First(&record, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return &record, nil
}
