package catalog

import (
	"time"

	"gorm.io/datatypes"
)

// SeriesModel 是每个序列段文件的清单行。
type SeriesModel struct {
	ID          uint      `gorm:"column:id;primaryKey"`
	Venue       string    `gorm:"column:venue;uniqueIndex:idx_series_key"`
	Instrument  string    `gorm:"column:instrument;uniqueIndex:idx_series_key"`
	Granularity string    `gorm:"column:granularity;uniqueIndex:idx_series_key"`
	Path        string    `gorm:"column:path"`
	Rows        int64     `gorm:"column:rows"`
	Bytes       int64     `gorm:"column:bytes"`
	MinTime     int64     `gorm:"column:min_time"`
	MaxTime     int64     `gorm:"column:max_time"`
	FlushCount  int64     `gorm:"column:flush_count"`
	ErrorCount  int64     `gorm:"column:error_count"`
	LastFlushAt int64     `gorm:"column:last_flush_at"`
	LastError   string    `gorm:"column:last_error"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (SeriesModel) TableName() string { return "series_manifest" }

// QuarantineModel records a segment moved aside as corrupt.
type QuarantineModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Series        string         `gorm:"column:series;index"`
	Path          string         `gorm:"column:path"`
	QuarantinedTo string         `gorm:"column:quarantined_to"`
	Details       datatypes.JSON `gorm:"column:details"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
}

func (QuarantineModel) TableName() string { return "quarantine_log" }

// BackfillJobModel stores one gap-fill attempt.
type BackfillJobModel struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Series     string    `gorm:"column:series;index"`
	Outcome    string    `gorm:"column:outcome"`
	Requested  int       `gorm:"column:requested"`
	Fetched    int       `gorm:"column:fetched"`
	Recovered  int       `gorm:"column:recovered"`
	PrevLast   int64     `gorm:"column:prev_last"`
	NewLast    int64     `gorm:"column:new_last"`
	Error      string    `gorm:"column:error"`
	StartedAt  time.Time `gorm:"column:started_at;index"`
	FinishedAt time.Time `gorm:"column:finished_at"`
}

func (BackfillJobModel) TableName() string { return "backfill_jobs" }
