package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/crashguard/internal/wrapper"
)

func crashResult(launch int) *Result {
	start := time.Now().Add(-time.Second)
	r := NewResult(launch, 1000+launch, start, start.Add(time.Second), 2, "", wrapper.ExitReasonCrashed)
	r.SetCrash(fmt.Sprintf("panic %d", launch), "/tmp/snap", nil)
	return r
}

func TestNewResult(t *testing.T) {
	start := time.Now()
	r := NewResult(1, 42, start, start.Add(3*time.Second), 0, "", wrapper.ExitReasonSuccess)

	assert.Equal(t, 3*time.Second, r.Duration)
	assert.False(t, r.Crashed)

	r.SetCrash("boom", "", errors.New("access denied"))
	assert.True(t, r.Crashed)
	assert.Equal(t, "access denied", r.SnapshotError)
}

func TestResult_LogSummary(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	crashResult(3).LogSummary(log)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "crashed", entry["reason"])
	assert.Contains(t, entry["message"], "LAUNCH 3 | reason=crashed")
}

func TestMetrics_RecordResult(t *testing.T) {
	m := NewMetrics()
	start := time.Now()

	m.RecordResult(crashResult(1))
	m.RecordResult(NewResult(2, 2, start, start, 3, "", wrapper.ExitReasonAnomalous))
	m.RecordResult(NewResult(3, 3, start, start, -1, "SIGKILL", wrapper.ExitReasonSignaled))
	m.RecordResult(NewResult(4, 4, start, start, 0, "", wrapper.ExitReasonSuccess))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Crashes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AnomalousExits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exits.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exits.WithLabelValues("signaled")))
}

func TestMetrics_SnapshotsAndGauge(t *testing.T) {
	m := NewMetrics()
	m.RecordSnapshot(SnapshotCaptured)
	m.RecordSnapshot(SnapshotFailed)
	m.RecordSnapshot(SnapshotFailed)
	m.SetGuardedUp(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Snapshots.WithLabelValues(SnapshotCaptured)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Snapshots.WithLabelValues(SnapshotFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardedUp))

	m.SetGuardedUp(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.GuardedUp))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.Launches.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Launches))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Launches))
}

func TestCrashLog_RingBuffer(t *testing.T) {
	log := NewCrashLog(3)
	for i := 1; i <= 5; i++ {
		log.Record(crashResult(i))
	}
	log.Record(NewResult(6, 6, time.Now(), time.Now(), 0, "", wrapper.ExitReasonSuccess))

	assert.Equal(t, 3, log.Count())
	recent := log.GetRecent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 5, recent[0].Launch, "newest first")
	assert.Equal(t, 3, recent[2].Launch)

	assert.Len(t, log.GetRecent(2), 2)
}

func TestWriteText(t *testing.T) {
	m := NewMetrics()
	m.Launches.Inc()

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, m.Registry()))
	assert.Contains(t, buf.String(), "crashguard_launches_total 1")
	assert.Contains(t, buf.String(), "# TYPE crashguard_crash_handling_seconds histogram")
}

func TestRouter(t *testing.T) {
	m := NewMetrics()
	crashes := NewCrashLog(10)
	crashes.Record(crashResult(1))
	m.RecordResult(crashResult(1))

	srv := httptest.NewServer(NewRouter(m, crashes))
	defer srv.Close()

	tests := []struct {
		path        string
		contentType string
		contains    string
	}{
		{"/healthz", "application/json", `"status":"healthy"`},
		{"/crashes", "application/json", `"reason": "panic 1"`},
		{"/metrics", "text/plain", "crashguard_crashes_total 1"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), tt.contentType)

			var body bytes.Buffer
			_, err = body.ReadFrom(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, body.String(), tt.contains)
		})
	}

	resp, err := http.Post(srv.URL+"/crashes", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, "endpoint is read-only")
}

func TestServe(t *testing.T) {
	s, err := Serve("127.0.0.1:0", NewMetrics(), NewCrashLog(1), zerolog.Nop())
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
