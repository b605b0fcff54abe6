package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chunkdrop/pkg/keypath"
	"chunkdrop/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBatchNotFound  = errors.New("batch not found")
	ErrObjectNotFound = errors.New("object not found")
)

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. 批次 (Batches)
// -----------------------------------------------------------------------------

// CreateBatch 分配一个新的批次，ID 由数据库自增生成
func (r *Repository) CreateBatch(ctx context.Context) (*Batch, error) {
	batch := Batch{}
	if err := r.db.GetConn().WithContext(ctx).Create(&batch).Error; err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return &batch, nil
}

func (r *Repository) GetBatch(ctx context.Context, id types.BatchID) (*Batch, error) {
	var batch Batch
	err := r.db.GetConn().WithContext(ctx).
		Where("id = ?", id).
		First(&batch).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// StaleBatches 返回最后活跃时间早于 before 的批次
func (r *Repository) StaleBatches(ctx context.Context, before time.Time) ([]Batch, error) {
	var batches []Batch
	err := r.db.GetConn().WithContext(ctx).
		Where("updated_at < ?", before).
		Order("id ASC").
		Find(&batches).Error
	return batches, err
}

// DeleteBatch 删除批次以及它名下所有分片记录和提交标记
func (r *Repository) DeleteBatch(ctx context.Context, id types.BatchID) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id = ?", id).Delete(&ChunkRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("batch_id = ?", id).Delete(&CommitMark{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Batch{}).Error
	})
}

// -----------------------------------------------------------------------------
// 2. 分片 (Chunks)
// -----------------------------------------------------------------------------

// SaveChunk 幂等写入分片记录，同一 (batch, key, idx) 再次写入会覆盖
// 同时刷新批次的活跃时间
func (r *Repository) SaveChunk(ctx context.Context, rec *ChunkRecord) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "batch_id"}, {Name: "object_key"}, {Name: "idx"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"size", "content_type", "blob_key", "created_at",
			}),
		}).Create(rec).Error
		if err != nil {
			return fmt.Errorf("failed to save chunk: %w", err)
		}

		return tx.Model(&Batch{}).
			Where("id = ?", rec.BatchID).
			Update("updated_at", time.Now()).Error
	})
}

// ListChunks 按 index 升序返回某对象在批次中的所有分片
func (r *Repository) ListChunks(ctx context.Context, batch types.BatchID, key types.ObjectKey) ([]ChunkRecord, error) {
	var chunks []ChunkRecord
	err := r.db.GetConn().WithContext(ctx).
		Where("batch_id = ? AND object_key = ?", batch, key).
		Order("idx ASC").
		Find(&chunks).Error
	return chunks, err
}

// ChunksOfBatch 返回批次下的全部分片 (回收时使用)
func (r *Repository) ChunksOfBatch(ctx context.Context, batch types.BatchID) ([]ChunkRecord, error) {
	var chunks []ChunkRecord
	err := r.db.GetConn().WithContext(ctx).
		Where("batch_id = ?", batch).
		Order("object_key ASC, idx ASC").
		Find(&chunks).Error
	return chunks, err
}

// PendingKeys 返回批次中仍有未提交分片的对象 key
func (r *Repository) PendingKeys(ctx context.Context, batch types.BatchID) ([]types.ObjectKey, error) {
	var keys []types.ObjectKey
	err := r.db.GetConn().WithContext(ctx).
		Model(&ChunkRecord{}).
		Where("batch_id = ?", batch).
		Distinct().
		Order("object_key ASC").
		Pluck("object_key", &keys).Error
	return keys, err
}

// IsCommitted 判断 key 是否已在批次内提交过
func (r *Repository) IsCommitted(ctx context.Context, batch types.BatchID, key types.ObjectKey) (bool, error) {
	var n int64
	err := r.db.GetConn().WithContext(ctx).
		Model(&CommitMark{}).
		Where("batch_id = ? AND object_key = ?", batch, key).
		Count(&n).Error
	return n > 0, err
}

// CommittedKeys 返回批次内已提交过的 key
func (r *Repository) CommittedKeys(ctx context.Context, batch types.BatchID) ([]types.ObjectKey, error) {
	var keys []types.ObjectKey
	err := r.db.GetConn().WithContext(ctx).
		Model(&CommitMark{}).
		Where("batch_id = ?", batch).
		Order("object_key ASC").
		Pluck("object_key", &keys).Error
	return keys, err
}

// -----------------------------------------------------------------------------
// 3. 已提交对象 (Objects)
// -----------------------------------------------------------------------------

// SaveObject 写入对象记录，已存在的同名对象被整体替换
// 同一事务里记下提交标记，并删除 (batch, key) 的分片记录
func (r *Repository) SaveObject(ctx context.Context, key types.ObjectKey, batch types.BatchID, contentType string, chunkSizes []int64) (*ObjectRecord, error) {
	if chunkSizes == nil {
		chunkSizes = []int64{}
	}
	sizesJSON, err := json.Marshal(chunkSizes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk sizes: %w", err)
	}

	var total int64
	for _, s := range chunkSizes {
		total += s
	}

	rec := ObjectRecord{
		Key:         key,
		Size:        total,
		ContentType: contentType,
		BatchID:     batch,
		ChunkSizes:  datatypes.JSON(sizesJSON),
		CommittedAt: time.Now().UTC(),
	}

	err = r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).Create(&rec).Error
		if err != nil {
			return err
		}

		mark := CommitMark{BatchID: batch, ObjectKey: key, CommittedAt: rec.CommittedAt}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&mark).Error; err != nil {
			return err
		}

		return tx.Where("batch_id = ? AND object_key = ?", batch, key).Delete(&ChunkRecord{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save object: %w", err)
	}
	return &rec, nil
}

func (r *Repository) GetObject(ctx context.Context, key types.ObjectKey) (*ObjectRecord, error) {
	var obj ObjectRecord
	err := r.db.GetConn().WithContext(ctx).
		Where("key = ?", key).
		First(&obj).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// ListObjects 按 key 排序列出前缀下的对象
// 前缀过滤在内存中完成，避免 LIKE 对 "_" 和 "%" 的通配解释
func (r *Repository) ListObjects(ctx context.Context, prefix string) ([]ObjectRecord, error) {
	var all []ObjectRecord
	err := r.db.GetConn().WithContext(ctx).
		Order("key ASC").
		Find(&all).Error
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, obj := range all {
		if keypath.HasPrefix(obj.Key, prefix) {
			out = append(out, obj)
		}
	}
	return out, nil
}

// DeleteObject 删除对象记录，不存在时返回 ErrObjectNotFound
func (r *Repository) DeleteObject(ctx context.Context, key types.ObjectKey) error {
	result := r.db.GetConn().WithContext(ctx).
		Where("key = ?", key).
		Delete(&ObjectRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrObjectNotFound
	}
	return nil
}
