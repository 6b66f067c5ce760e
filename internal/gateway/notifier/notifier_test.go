package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinevault/internal/backfill"
	"klinevault/internal/market"
	"klinevault/internal/segment"
	"klinevault/internal/store"
)

var key = market.MustSeriesKey("binance", "btcusdt", "15m")

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
	sent  chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: make(chan struct{}, 16)}
}

func (r *recordingNotifier) SendText(_ context.Context, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	r.sent <- struct{}{}
	return nil
}

func (r *recordingNotifier) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestTelegramRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "chat", payload["chat_id"])
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "chat", srv.URL)
	require.NoError(t, tg.SendText(context.Background(), "hello"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegramClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewTelegram("TOKEN", "chat", srv.URL).SendText(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=400")
	assert.Equal(t, int32(1), calls.Load())

	require.Error(t, NewTelegram("", "chat", "").SendText(context.Background(), "x"))
}

func TestTelegramRateLimitedThenOK(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	require.NoError(t, NewTelegram("TOKEN", "chat", srv.URL).SendText(context.Background(), "hi"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegramErrorCarriesDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked"}`))
	}))
	defer srv.Close()

	err := NewTelegram("TOKEN", "chat", srv.URL).SendText(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot was kicked")
}

func TestAlertMarkdown(t *testing.T) {
	msg := Alert{
		Level:   LevelCritical,
		Series:  key.String(),
		Summary: "segment_corrupt",
		Fields: []Field{
			{"path", "a.kseg"},
			{"empty", " "},
			{"cause", "```bad"},
		},
		Hint: "restore by hand",
		At:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	out := msg.Markdown()
	assert.True(t, strings.HasPrefix(out, "🚨 *CRITICAL* segment\\_corrupt\n`binance:btcusdt@15m`"), out)
	assert.Contains(t, out, "```\npath   a.kseg\ncause  '''bad\n```")
	assert.NotContains(t, out, "empty")
	assert.Contains(t, out, "\nrestore by hand\n")
	assert.True(t, strings.HasSuffix(out, "2024-01-01 00:00:00Z"))

	assert.Equal(t, "⚠️ *WARN* x", Alert{Summary: "x"}.Markdown())
}

func TestAlerterCooldownAndDelivery(t *testing.T) {
	rec := newRecordingNotifier()
	a := NewAlerter(rec, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.nowFn = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	a.OnFlushError(key, errors.New("disk full"))
	a.OnFlushError(key, errors.New("disk full")) // muted
	a.OnFlush(key, store.FlushInfo{})
	a.OnFlushError(key, errors.New("disk full again"))
	a.OnQuarantine(key, &segment.CorruptError{Path: "a.kseg", QuarantinedTo: "a.kseg.corrupt", Err: errors.New("bad magic")})
	a.ObserveBackfill(backfill.Report{Series: key.String(), Outcome: backfill.OutcomeRecovered})
	a.ObserveBackfill(backfill.Report{Series: key.String(), Outcome: backfill.OutcomeFailed, Error: "timeout"})

	for i := 0; i < 4; i++ {
		select {
		case <-rec.sent:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d alerts delivered", i)
		}
	}
	cancel()
	<-done

	texts := rec.Texts()
	require.Len(t, texts, 4)
	assert.Contains(t, texts[0], "disk full")
	assert.Contains(t, texts[1], "disk full again")
	assert.Contains(t, texts[2], "a.kseg.corrupt")
	assert.Contains(t, texts[3], "timeout")
	assert.Zero(t, a.Dropped())
}
