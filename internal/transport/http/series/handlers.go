package serieshttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"klinevault/internal/analysis/indicator"
	"klinevault/internal/analysis/visual"
	"klinevault/internal/backfill"
	"klinevault/internal/pkg/circuit"
	"klinevault/internal/market"
	"klinevault/internal/segment"
	"klinevault/internal/store"

	"github.com/gin-gonic/gin"
)

const maxIngestBody = 4 << 20

// handleHealth reports "degraded" while any venue's fetch breaker is not closed.
func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	breakers := gin.H{}
	if s.filler != nil {
		for venue, st := range s.filler.Breakers().States() {
			breakers[venue] = st.String()
			if st != circuit.StateClosed {
				status = "degraded"
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "series": len(s.registry.Keys()), "breakers": breakers})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"series": s.registry.Stats()})
}

// seriesKey parses the path triple; managed=true requires the series to be registered.
func (s *Server) seriesKey(c *gin.Context, managed bool) (market.SeriesKey, *store.CandleStore, bool) {
	key, err := market.NewSeriesKey(c.Param("venue"), c.Param("instrument"), c.Param("gran"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return market.SeriesKey{}, nil, false
	}
	if !managed {
		return key, s.registry.Get(key), true
	}
	st, ok := s.registry.Lookup(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("series %s not found", key)})
		return market.SeriesKey{}, nil, false
	}
	return key, st, true
}

func (s *Server) handleRecent(c *gin.Context) {
	_, st, ok := s.seriesKey(c, true)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	warmup, err := strconv.Atoi(c.DefaultQuery("warmup", "-1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "warmup 非法"})
		return
	}
	frame, err := st.GetRecent(limit, queryBool(c, "derived"), warmup)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFrameDTO(frame))
}

func (s *Server) handleHistory(c *gin.Context) {
	frame, ok := s.history(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toFrameDTO(frame))
}

// history loads full history, optionally resampled with ?tf= and derived with ?derived=1.
func (s *Server) history(c *gin.Context) (store.Frame, bool) {
	key, _, ok := s.seriesKey(c, true)
	if !ok {
		return store.Frame{}, false
	}
	derived := queryBool(c, "derived")
	tf := c.Query("tf")
	if tf == "" {
		frame, err := s.registry.FullHistory(c.Request.Context(), key, derived)
		if err != nil {
			writeStoreError(c, err)
			return store.Frame{}, false
		}
		return frame, true
	}
	to, err := market.ParseGranularity(tf)
	if err != nil || to.Duration < key.Granularity.Duration || to.Duration%key.Granularity.Duration != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("tf 必须是 %s 的整数倍周期", key.Granularity)})
		return store.Frame{}, false
	}
	frame, err := s.registry.FullHistory(c.Request.Context(), key, false)
	if err != nil {
		writeStoreError(c, err)
		return store.Frame{}, false
	}
	out := store.Frame{Key: key, Candles: market.Resample(frame.Candles, to)}
	out.Key.Granularity = to
	if derived {
		out.Columns = indicator.Derive(out.Candles, s.settings)
	}
	return out, true
}

func (s *Server) handleGaps(c *gin.Context) {
	key, _, ok := s.seriesKey(c, true)
	if !ok {
		return
	}
	frame, err := s.registry.FullHistory(c.Request.Context(), key, false)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	gaps := market.FindGaps(frame.Candles, key.Granularity)
	var missing int64
	for _, g := range gaps {
		missing += g.Missing
	}
	first, _ := frame.Candles.First()
	last, _ := frame.Candles.Last()
	c.JSON(http.StatusOK, gin.H{
		"series":  key.String(),
		"first":   first.Timestamp,
		"last":    last.Timestamp,
		"count":   len(frame.Candles),
		"missing": missing,
		"gaps":    gaps,
	})
}

func (s *Server) handleChart(c *gin.Context) {
	var frame store.Frame
	if c.Query("tf") != "" || c.Query("limit") == "all" {
		f, ok := s.history(c)
		if !ok {
			return
		}
		frame = f
	} else {
		_, st, ok := s.seriesKey(c, true)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
		f, err := st.GetRecent(limit, queryBool(c, "derived"), -1)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		frame = f
	}
	html, err := visual.RenderBytes(visual.Input{
		Title:       frame.Key.String(),
		Subtitle:    fmt.Sprintf("%d candles", len(frame.Candles)),
		Granularity: frame.Key.Granularity,
		Candles:     frame.Candles,
		Columns:     frame.Columns,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func (s *Server) handleIngest(c *gin.Context) {
	_, st, ok := s.seriesKey(c, false)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var doc any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "json 格式无效: " + err.Error()})
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	items, _ := doc.([]any)
	candles := make([]market.Candle, 0, len(items))
	for i, item := range items {
		rec, _ := item.(map[string]any)
		cnd, err := market.CandleFromRecord(rec)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("第 %d 条: %v", i, err)})
			return
		}
		candles = append(candles, cnd)
	}
	accepted, err := st.AppendBatch(candles)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stats := st.Stats()
	resp := gin.H{"series": stats.Key, "accepted": accepted, "pending": stats.Pending, "count": stats.WorkingSet}
	if stats.Pending > 0 && stats.LastError != "" {
		// 已接收但落盘失败，下次 flush 重试
		resp["flush_error"] = stats.LastError
		c.JSON(http.StatusAccepted, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleBackfill(c *gin.Context) {
	if s.filler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backfill 未启用"})
		return
	}
	_, st, ok := s.seriesKey(c, true)
	if !ok {
		return
	}
	rep := s.filler.Fill(c.Request.Context(), st)
	status := http.StatusOK
	if rep.Outcome == backfill.OutcomeFailed {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"report": rep})
}

func (s *Server) handleManifest(c *gin.Context) {
	if s.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog 未启用"})
		return
	}
	key, err := market.NewSeriesKey(c.Param("venue"), c.Param("instrument"), c.Param("gran"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	row, found, err := s.catalog.Manifest(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "manifest not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": row})
}

func (s *Server) handleJobs(c *gin.Context) {
	if s.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog 未启用"})
		return
	}
	key, err := market.NewSeriesKey(c.Param("venue"), c.Param("instrument"), c.Param("gran"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := s.catalog.BackfillJobs(c.Request.Context(), key.String(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleQuarantines(c *gin.Context) {
	if s.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog 未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := s.catalog.Quarantines(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quarantines": rows})
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNoData):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, segment.ErrCorrupt):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func queryBool(c *gin.Context, name string) bool {
	v, err := strconv.ParseBool(c.Query(name))
	return err == nil && v
}
