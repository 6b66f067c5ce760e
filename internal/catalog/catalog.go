package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	glogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"klinevault/internal/backfill"
	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/pkg/text"
	"klinevault/internal/segment"
	"klinevault/internal/store"
)

const (
	observeTimeout = 5 * time.Second
	maxErrorLen    = 512
)

// Catalog 记录各序列的清单、隔离事件与补拉任务，是段文件之外的可查询索引。
// It never holds candle data; segments stay the source of truth.
type Catalog struct {
	db *gorm.DB
}

// Open creates or opens the catalog database at path (pure-Go sqlite driver).
func Open(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("catalog 路径不能为空")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   glogger.Default.LogMode(glogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	return newCatalog(db)
}

func newCatalog(db *gorm.DB) (*Catalog, error) {
	if err := db.AutoMigrate(&SeriesModel{}, &QuarantineModel{}, &BackfillJobModel{}); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func seriesRow(key market.SeriesKey) SeriesModel {
	return SeriesModel{Venue: key.Venue, Instrument: key.Instrument, Granularity: key.Granularity.Key}
}

var seriesConflict = clause.OnConflict{
	Columns: []clause.Column{{Name: "venue"}, {Name: "instrument"}, {Name: "granularity"}},
}

// RecordFlush upserts the manifest row after a committed flush.
func (c *Catalog) RecordFlush(ctx context.Context, key market.SeriesKey, info store.FlushInfo) error {
	row := seriesRow(key)
	row.Path = info.Path
	row.Rows = int64(info.Rows)
	row.Bytes = int64(info.Bytes)
	row.MinTime = info.First.UnixMilli()
	row.MaxTime = info.Last.UnixMilli()
	row.FlushCount = 1
	row.LastFlushAt = time.Now().UnixMilli()
	row.UpdatedAt = time.Now().UTC()
	conflict := seriesConflict
	conflict.DoUpdates = clause.Assignments(map[string]any{
		"path":          row.Path,
		"rows":          row.Rows,
		"bytes":         row.Bytes,
		"min_time":      row.MinTime,
		"max_time":      row.MaxTime,
		"last_flush_at": row.LastFlushAt,
		"last_error":    "",
		"updated_at":    row.UpdatedAt,
		"flush_count":   gorm.Expr("flush_count + 1"),
	})
	return c.db.WithContext(ctx).Clauses(conflict).Create(&row).Error
}

// RecordFlushError keeps the last failure on the manifest row.
func (c *Catalog) RecordFlushError(ctx context.Context, key market.SeriesKey, cause error) error {
	row := seriesRow(key)
	row.LastError = text.Truncate(cause.Error(), maxErrorLen)
	row.ErrorCount = 1
	row.UpdatedAt = time.Now().UTC()
	conflict := seriesConflict
	conflict.DoUpdates = clause.Assignments(map[string]any{
		"last_error":  row.LastError,
		"updated_at":  row.UpdatedAt,
		"error_count": gorm.Expr("error_count + 1"),
	})
	return c.db.WithContext(ctx).Clauses(conflict).Create(&row).Error
}

func (c *Catalog) RecordQuarantine(ctx context.Context, key market.SeriesKey, ce *segment.CorruptError) error {
	details, err := json.Marshal(map[string]any{
		"venue":       key.Venue,
		"instrument":  key.Instrument,
		"granularity": key.Granularity.Key,
		"cause":       text.Truncate(fmt.Sprint(ce.Err), maxErrorLen),
	})
	if err != nil {
		return err
	}
	row := QuarantineModel{
		Series:        key.String(),
		Path:          ce.Path,
		QuarantinedTo: ce.QuarantinedTo,
		Details:       datatypes.JSON(details),
		CreatedAt:     time.Now().UTC(),
	}
	return c.db.WithContext(ctx).Create(&row).Error
}

// RecordBackfill implements backfill.Recorder.
func (c *Catalog) RecordBackfill(ctx context.Context, rep backfill.Report) error {
	row := BackfillJobModel{
		ID:         rep.JobID,
		Series:     rep.Series,
		Outcome:    string(rep.Outcome),
		Requested:  rep.Requested,
		Fetched:    rep.Fetched,
		Recovered:  rep.Recovered,
		PrevLast:   millisOrZero(rep.PrevLast),
		NewLast:    millisOrZero(rep.NewLast),
		Error:      text.Truncate(rep.Error, maxErrorLen),
		StartedAt:  rep.StartedAt.UTC(),
		FinishedAt: rep.FinishedAt.UTC(),
	}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// Series lists manifest rows ordered by key.
func (c *Catalog) Series(ctx context.Context) ([]SeriesModel, error) {
	var rows []SeriesModel
	err := c.db.WithContext(ctx).Order("venue, instrument, granularity").Find(&rows).Error
	return rows, err
}

// Manifest returns the row for key; ok is false when the series was never flushed.
func (c *Catalog) Manifest(ctx context.Context, key market.SeriesKey) (SeriesModel, bool, error) {
	var row SeriesModel
	err := c.db.WithContext(ctx).
		Where("venue = ? AND instrument = ? AND granularity = ?", key.Venue, key.Instrument, key.Granularity.Key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SeriesModel{}, false, nil
	}
	if err != nil {
		return SeriesModel{}, false, err
	}
	return row, true, nil
}

func (c *Catalog) Quarantines(ctx context.Context, limit int) ([]QuarantineModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []QuarantineModel
	err := c.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// BackfillJobs lists recent jobs, optionally for one series.
func (c *Catalog) BackfillJobs(ctx context.Context, series string, limit int) ([]BackfillJobModel, error) {
	if limit <= 0 {
		limit = 50
	}
	q := c.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if series != "" {
		q = q.Where("series = ?", series)
	}
	var rows []BackfillJobModel
	err := q.Find(&rows).Error
	return rows, err
}

// Observer adapts the catalog to store.Observer. Failures are logged only; the catalog is an
// index and must never block a flush.
func (c *Catalog) Observer() store.Observer {
	return catalogObserver{c: c}
}

type catalogObserver struct {
	c *Catalog
}

func (o catalogObserver) OnFlush(key market.SeriesKey, info store.FlushInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
	defer cancel()
	if err := o.c.RecordFlush(ctx, key, info); err != nil {
		logger.Warnf("[catalog] 更新清单失败 %s: %v", key, err)
	}
}

func (o catalogObserver) OnFlushError(key market.SeriesKey, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
	defer cancel()
	if err := o.c.RecordFlushError(ctx, key, cause); err != nil {
		logger.Warnf("[catalog] 记录失败信息失败 %s: %v", key, err)
	}
}

func (o catalogObserver) OnQuarantine(key market.SeriesKey, ce *segment.CorruptError) {
	ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
	defer cancel()
	if err := o.c.RecordQuarantine(ctx, key, ce); err != nil {
		logger.Warnf("[catalog] 记录隔离事件失败 %s: %v", key, err)
	}
}

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
