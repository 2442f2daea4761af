// Package service runs conversion jobs delivered over NATS. Each job names a
// reader format, a writer format and an input entry; the worker runs the
// conversion pipeline, publishes a result, and keeps the converted system in
// an in-memory registry for follow-up queries. Failed jobs are retried a
// bounded number of times and then parked on a dead letter subject.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/gridweave/gridweave/engine/convert"
	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/pkg/graphstore"
	"github.com/gridweave/gridweave/pkg/metrics"
	"github.com/gridweave/gridweave/pkg/natsutil"
)

const (
	// DefaultJobSubject is where conversion jobs arrive.
	DefaultJobSubject = "gridweave.convert.jobs"
	// ResultSubject is where job outcomes are published.
	ResultSubject = "gridweave.convert.results"
	// QueueGroup lets several workers share one subject.
	QueueGroup = "gridweave-workers"
	// MaxRetries before a job is parked on the DLQ.
	MaxRetries = 3
)

// Job is one conversion request.
type Job struct {
	ID        string            `json:"id,omitempty"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Entry     string            `json:"entry"`
	InputDir  string            `json:"input_dir"`
	OutDir    string            `json:"out_dir,omitempty"`
	ReadOpts  map[string]string `json:"read_opts,omitempty"`
	WriteOpts map[string]string `json:"write_opts,omitempty"`
	Mirror    bool              `json:"mirror,omitempty"` // also mirror into Neo4j
}

// Result is the published outcome of one job.
type Result struct {
	JobID      string          `json:"job_id"`
	System     string          `json:"system,omitempty"`
	Components int             `json:"components"`
	Warnings   []model.Warning `json:"warnings,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// dlqJob is parked on the dead letter subject after repeated failure.
type dlqJob struct {
	Job     Job    `json:"job"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Options configures a Worker.
type Options struct {
	Subject string
	Limiter *rate.Limiter     // nil means unlimited
	Store   *graphstore.Store // nil disables mirroring
	Metrics *metrics.Registry // nil disables instrumentation
}

// Worker consumes and executes conversion jobs.
type Worker struct {
	log      *slog.Logger
	pipeline *convert.Pipeline
	systems  *SystemRegistry
	opts     Options

	jobsTotal  *metrics.Counter
	jobsFailed *metrics.Counter
	duration   *metrics.Histogram
}

// NewWorker creates a worker over a conversion pipeline.
func NewWorker(log *slog.Logger, pipeline *convert.Pipeline, opts Options) *Worker {
	if opts.Subject == "" {
		opts.Subject = DefaultJobSubject
	}
	w := &Worker{
		log:      log.With("component", "service"),
		pipeline: pipeline,
		systems:  NewSystemRegistry(),
		opts:     opts,
	}
	if opts.Metrics != nil {
		w.jobsTotal = opts.Metrics.Counter("gridweave_jobs_total", "Conversion jobs received")
		w.jobsFailed = opts.Metrics.Counter("gridweave_jobs_failed_total", "Conversion jobs that failed")
		w.duration = opts.Metrics.Histogram("gridweave_job_duration_seconds", "Conversion job duration", nil)
	}
	return w
}

// Systems exposes the registry of converted systems.
func (w *Worker) Systems() *SystemRegistry { return w.systems }

// Process runs one job to completion. The returned Result always carries the
// job ID; the error mirrors Result.Error for callers that branch on it.
func (w *Worker) Process(ctx context.Context, job Job) (Result, error) {
	start := time.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	res := Result{JobID: job.ID}

	if w.jobsTotal != nil {
		w.jobsTotal.Inc()
	}
	defer func() {
		res.Duration = time.Since(start)
		if w.duration != nil {
			w.duration.Since(start)
		}
	}()

	if job.From == "" || job.Entry == "" {
		err := fmt.Errorf("%w: job needs from and entry", model.ErrMissingRequiredField)
		return w.fail(res, err)
	}
	if w.opts.Limiter != nil {
		if err := w.opts.Limiter.Wait(ctx); err != nil {
			return w.fail(res, err)
		}
	}

	req := convert.Request{
		From:      job.From,
		To:        job.To,
		Entry:     job.Entry,
		OutDir:    job.OutDir,
		ReadOpts:  job.ReadOpts,
		WriteOpts: job.WriteOpts,
	}
	if job.InputDir != "" {
		req.InputFS = os.DirFS(job.InputDir)
	}

	out, err := w.pipeline.Run(ctx, req)
	if err != nil {
		return w.fail(res, err)
	}

	w.systems.Put(out.System)
	if job.Mirror && w.opts.Store != nil {
		if err := w.opts.Store.MirrorSystem(ctx, out.System); err != nil {
			w.log.Warn("mirror failed", "job", job.ID, "error", err)
		}
	}

	res.System = out.System.Name
	res.Components = out.System.Len()
	res.Warnings = out.Warnings
	w.log.Info("job done",
		"job", job.ID, "system", res.System,
		"components", res.Components, "warnings", len(res.Warnings))
	return res, nil
}

func (w *Worker) fail(res Result, err error) (Result, error) {
	if w.jobsFailed != nil {
		w.jobsFailed.Inc()
	}
	res.Error = err.Error()
	return res, err
}

// Start subscribes the worker to its job subject. Jobs that fail are
// re-published with an incremented retry header until MaxRetries, then parked
// on <subject>.dlq. Every attempt publishes a Result.
func (w *Worker) Start(nc *nats.Conn) (*nats.Subscription, error) {
	subject := w.opts.Subject
	dlq := subject + ".dlq"

	return natsutil.QueueSubscribe(nc, subject, QueueGroup,
		func(ctx context.Context, job Job, msg *nats.Msg) {
			res, err := w.Process(ctx, job)
			if err != nil {
				retries := natsutil.Retries(msg) + 1
				w.log.Error("job failed",
					"job", res.JobID, "error", err, "retry", retries)

				if retries >= MaxRetries {
					parked := dlqJob{Job: job, Error: err.Error(), Retries: retries}
					if perr := natsutil.Publish(ctx, nc, dlq, parked); perr != nil {
						w.log.Error("dlq publish failed", "job", res.JobID, "error", perr)
					}
				} else if perr := natsutil.Republish(nc, subject, msg.Data, retries); perr != nil {
					w.log.Error("retry publish failed", "job", res.JobID, "error", perr)
				}
			}

			if perr := natsutil.Publish(ctx, nc, ResultSubject, res); perr != nil {
				w.log.Error("result publish failed", "job", res.JobID, "error", perr)
			}
			if msg.Reply != "" {
				data, _ := json.Marshal(res)
				_ = msg.Respond(data)
			}
		})
}
