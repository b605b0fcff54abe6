package meta

import (
	"encoding/json"
	"time"

	"chunkdrop/pkg/types"

	"gorm.io/datatypes"
)

// Batch 是一次上传事务
// 自增主键就是对外发放的 BatchID
type Batch struct {
	ID        types.BatchID `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time
	// UpdatedAt 在每次收到分片时刷新，回收逻辑按它判断批次是否已废弃
	UpdatedAt time.Time `gorm:"index"`
}

// ChunkRecord 记录一个已收到的分片
// (batch_id, object_key, idx) 唯一，重复 PUT 同一个 index 会覆盖
type ChunkRecord struct {
	ID          uint             `gorm:"primaryKey"`
	BatchID     types.BatchID    `gorm:"not null;uniqueIndex:idx_chunk_addr,priority:1"`
	ObjectKey   types.ObjectKey  `gorm:"type:varchar(1024);not null;uniqueIndex:idx_chunk_addr,priority:2"`
	Idx         types.ChunkIndex `gorm:"column:idx;not null;uniqueIndex:idx_chunk_addr,priority:3"`
	Size        int64
	ContentType string `gorm:"type:varchar(255)"`
	BlobKey     string `gorm:"type:varchar(2048);not null"`
	CreatedAt   time.Time
}

func (ChunkRecord) TableName() string {
	return "chunks"
}

// ObjectRecord 是已提交对象在目录里的记录
type ObjectRecord struct {
	Key         types.ObjectKey `gorm:"primaryKey;type:varchar(1024)" json:"key"`
	Size        int64           `json:"size"`
	ContentType string          `gorm:"type:varchar(255)" json:"content_type"`
	BatchID     types.BatchID   `gorm:"index" json:"batch_id"`

	// ChunkSizes: 组装时各分片的大小，按 index 排列，例如 [2097152, 1024]
	ChunkSizes datatypes.JSON `json:"chunk_sizes"`

	CommittedAt time.Time `json:"committed_at"`
}

func (ObjectRecord) TableName() string {
	return "objects"
}

// Chunks 返回提交时的分片数
func (o *ObjectRecord) Chunks() int {
	var sizes []int64
	if len(o.ChunkSizes) == 0 {
		return 0
	}
	if err := json.Unmarshal(o.ChunkSizes, &sizes); err != nil {
		return 0
	}
	return len(sizes)
}

// CommitMark 记录某个 key 已在批次内提交过
// 分片记录在提交后会被清理，重复提交靠它和 "从未有过分片" 区分开
type CommitMark struct {
	BatchID     types.BatchID   `gorm:"primaryKey;autoIncrement:false"`
	ObjectKey   types.ObjectKey `gorm:"primaryKey;type:varchar(1024)"`
	CommittedAt time.Time
}

func (CommitMark) TableName() string {
	return "commits"
}

// AllModels 列出需要迁移的表
func AllModels() []any {
	return []any{&Batch{}, &ChunkRecord{}, &ObjectRecord{}, &CommitMark{}}
}
