package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"klinevault/internal/logger"
	"klinevault/internal/market"
)

var (
	// ErrCorrupt matches every *CorruptError.
	ErrCorrupt = errors.New("segment corrupt")
	// ErrTransientIO wraps filesystem failures that may succeed on retry.
	ErrTransientIO = errors.New("segment transient io error")
)

const (
	tmpMarker     = ".tmp-"
	corruptMarker = ".corrupt-"
)

// CorruptError reports a present but unparsable segment and where it was moved to.
type CorruptError struct {
	Path          string
	QuarantinedTo string
	Err           error
}

func (e *CorruptError) Error() string {
	if e.QuarantinedTo == "" {
		return fmt.Sprintf("segment %s corrupt (quarantine failed): %v", e.Path, e.Err)
	}
	return fmt.Sprintf("segment %s corrupt, moved to %s: %v", e.Path, e.QuarantinedTo, e.Err)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrCorrupt, e.Err} }

// Segment is the durable history of one series. Present=false means no file exists yet.
type Segment struct {
	Present bool
	Path    string
	Header  Header
	Candles []market.Candle
	Size    int64
}

// Read loads path. An absent file is not an error.
func Read(path string) (Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Segment{Path: path}, nil
		}
		return Segment{}, fmt.Errorf("%w: read %s: %v", ErrTransientIO, path, err)
	}
	hdr, candles, err := Decode(data)
	if err != nil {
		return Segment{}, quarantine(path, err)
	}
	return Segment{Present: true, Path: path, Header: hdr, Candles: candles, Size: int64(len(data))}, nil
}

func quarantine(path string, cause error) *CorruptError {
	ce := &CorruptError{Path: path, Err: cause}
	target := path + corruptMarker + time.Now().UTC().Format("20060102T150405.000Z")
	if err := os.Rename(path, target); err != nil {
		logger.Errorf("[segment] 隔离损坏文件失败 path=%s err=%v", path, err)
		ce.Err = errors.Join(cause, err)
		return ce
	}
	ce.QuarantinedTo = target
	logger.Warnf("[segment] 损坏文件已隔离 path=%s to=%s cause=%v", path, target, cause)
	return ce
}

// Write encodes candles and atomically replaces path.
func Write(path string, key market.SeriesKey, candles []market.Candle) error {
	data, err := Encode(key, candles)
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// WriteFile writes data to a sibling temp file, fsyncs it, renames it over path and fsyncs the
// directory. A crash before the rename leaves the previous file untouched.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrTransientIO, dir, err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+tmpMarker+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create temp %s: %v", ErrTransientIO, tmp, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp)
		}
	}()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrTransientIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: fsync %s: %v", ErrTransientIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrTransientIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrTransientIO, path, err)
	}
	committed = true
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("%w: fsync dir %s: %v", ErrTransientIO, dir, err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// CleanupTemps removes temp files left by interrupted writes. Files younger than minAge are
// kept since a concurrent writer may still own them.
func CleanupTemps(dir string, minAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: list %s: %v", ErrTransientIO, dir, err)
	}
	removed := 0
	cutoff := time.Now().Add(-minAge)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".") || !strings.Contains(name, market.SegmentExt+tmpMarker) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			logger.Warnf("[segment] 清理临时文件失败 %s: %v", name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Infof("[segment] 清理临时文件 dir=%s removed=%d", dir, removed)
	}
	return removed, nil
}

// ParseFileName recovers the series key from a segment file name.
func ParseFileName(name string) (market.SeriesKey, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, market.SegmentExt) {
		return market.SeriesKey{}, fmt.Errorf("not a segment file: %s", base)
	}
	parts := strings.Split(strings.TrimSuffix(base, market.SegmentExt), "_")
	if len(parts) != 3 {
		return market.SeriesKey{}, fmt.Errorf("unexpected segment name: %s", base)
	}
	return market.NewSeriesKey(parts[0], parts[1], parts[2])
}

// Scan lists the series with a committed segment under dir.
func Scan(dir string) ([]market.SeriesKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %v", ErrTransientIO, dir, err)
	}
	var keys []market.SeriesKey
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), market.SegmentExt) {
			continue
		}
		key, err := ParseFileName(e.Name())
		if err != nil {
			logger.Debugf("[segment] skip %s: %v", e.Name(), err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// PathFor joins dir with the key's file name.
func PathFor(dir string, key market.SeriesKey) string {
	return filepath.Join(dir, key.FileName())
}
