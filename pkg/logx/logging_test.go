package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	require.True(t, l.IsZero())
	l.Info("nothing happens", String("k", "v"))
	assert.False(t, l.With(String("a", "b")).IsZero())
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	l.Warn("task.failed", Int("retry", 2), Err(nil))

	out := buf.String()
	assert.Contains(t, out, `"comp":"scheduler"`)
	assert.Contains(t, out, `"retry":2`)
	assert.Contains(t, out, `"message":"task.failed"`)
	assert.NotContains(t, out, `"err"`)
}

func TestFormatAlertJSONSortsKeys(t *testing.T) {
	t.Parallel()
	got := formatAlertJSON([]byte(`{"level":"warn","message":"boom","z":"1","a":"2","time":"x"}`))
	want := "[WARN] boom\n- a=2\n- z=1"
	assert.Equal(t, want, got)
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	t.Parallel()
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()

	sender := &recordingSender{}
	svc.SetSender(sender)

	log.Info("ignored")
	log.Error("module degraded", String("module", "scheduler"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.True(t, strings.HasPrefix(sender.msgs[0], "[ERROR] module degraded"))
}
