package catalog

import "time"

// StoredFile is one distributable payload in the pool. Created during bundle
// ingestion with Distributed=false; the distributed flag is a one-way latch
// flipped at most once, and the recipient never changes afterwards.
type StoredFile struct {
	ID            uint       `gorm:"column:id;primaryKey;autoIncrement"`
	OriginalName  string     `gorm:"column:original_name;size:512;not null"`
	Alias         string     `gorm:"column:alias;uniqueIndex;size:64;not null"`
	Path          string     `gorm:"column:path;size:1024;not null"`
	BackupPath    string     `gorm:"column:backup_path;size:1024"`
	Distributed   bool       `gorm:"column:distributed;not null;default:false"`
	DistributedTo *int64     `gorm:"column:distributed_to"`
	DistributedAt *time.Time `gorm:"column:distributed_at"`
}

// TableName provides the explicit table binding for GORM.
func (StoredFile) TableName() string {
	return "stored_files"
}
