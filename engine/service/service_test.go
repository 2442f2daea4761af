package service

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/gridweave/gridweave/engine/convert"
	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/pkg/metrics"
)

const masterDSS = `New Circuit.ckt1 bus1=srcbus basekv=12.47
New Line.l1 bus1=srcbus bus2=mid length=1 units=km
New Load.ld1 bus1=mid kv=12.47 kw=50
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func testWorker(t *testing.T, opts Options) *Worker {
	t.Helper()
	log := testLogger()
	pipe := convert.NewPipeline(log, convert.Default(log, 2))
	return NewWorker(log, pipe, opts)
}

func inputDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "master.dss"), []byte(masterDSS), 0o644))
	return dir
}

func TestProcessConvertsAndRegisters(t *testing.T) {
	w := testWorker(t, Options{})
	outDir := t.TempDir()

	res, err := w.Process(context.Background(), Job{
		From: "opendss", To: "json",
		Entry: "master.dss", InputDir: inputDir(t), OutDir: outDir,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID, "missing job ID is generated")
	assert.Equal(t, "ckt1", res.System)
	assert.Greater(t, res.Components, 0)
	assert.Empty(t, res.Error)

	_, err = os.Stat(filepath.Join(outDir, "ckt1.json"))
	require.NoError(t, err)

	sys, ok := w.Systems().Get("CKT1")
	require.True(t, ok)
	assert.Equal(t, res.Components, sys.Len())
}

func TestProcessKeepsCallerJobID(t *testing.T) {
	w := testWorker(t, Options{})
	res, err := w.Process(context.Background(), Job{
		ID: "job-42", From: "opendss", Entry: "master.dss", InputDir: inputDir(t),
	})
	require.NoError(t, err)
	assert.Equal(t, "job-42", res.JobID)
}

func TestProcessRejectsIncompleteJob(t *testing.T) {
	w := testWorker(t, Options{})
	res, err := w.Process(context.Background(), Job{To: "json"})
	require.ErrorIs(t, err, model.ErrMissingRequiredField)
	assert.NotEmpty(t, res.Error)
}

func TestProcessReportsConversionFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "master.dss"),
		[]byte("New Circuit.bad bus1=srcbus basekv=12.47\nNew Line.l1 bus1=srcbus bus2=mid linecode=ghost length=1 units=km\n"), 0o644))

	w := testWorker(t, Options{})
	res, err := w.Process(context.Background(), Job{
		From: "opendss", Entry: "master.dss", InputDir: dir,
	})
	require.ErrorIs(t, err, model.ErrValidationFailed)
	assert.Contains(t, res.Error, "violation")

	// Failed systems never land in the registry.
	assert.Equal(t, 0, w.Systems().Len())
}

func TestProcessCountsMetrics(t *testing.T) {
	reg := metrics.New()
	w := testWorker(t, Options{Metrics: reg})

	_, _ = w.Process(context.Background(), Job{From: "opendss", Entry: "master.dss", InputDir: inputDir(t)})
	_, _ = w.Process(context.Background(), Job{}) // fails

	rendered := reg.Render()
	assert.Contains(t, rendered, "gridweave_jobs_total 2")
	assert.Contains(t, rendered, "gridweave_jobs_failed_total 1")
	assert.Contains(t, rendered, "gridweave_job_duration_seconds_count 2")
}

func TestProcessHonorsRateLimiterCancellation(t *testing.T) {
	lim := rate.NewLimiter(rate.Limit(0.001), 1)
	lim.Allow() // drain

	w := testWorker(t, Options{Limiter: lim})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Process(ctx, Job{From: "opendss", Entry: "master.dss", InputDir: inputDir(t)})
	require.Error(t, err)
}

func TestSystemRegistry(t *testing.T) {
	reg := NewSystemRegistry()
	assert.Equal(t, 0, reg.Len())

	reg.Put(model.NewSystem("B"))
	reg.Put(model.NewSystem("a"))
	reg.Put(model.NewSystem("b")) // replaces B

	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	_, ok := reg.Get("missing")
	assert.False(t, ok)
}
