package convert

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/engine/partition"
	"github.com/gridweave/gridweave/engine/topology"
	"github.com/gridweave/gridweave/pkg/fn"
)

// Request describes one conversion run.
type Request struct {
	From  string // reader format
	To    string // writer format
	Entry string // input entry file within InputFS

	// MergeEntries are further entry files read with the same format and
	// merged into the first document under MergePolicy before validation.
	MergeEntries []string
	MergePolicy  string // "fail" (default), "replace" or "merge-fields"

	// InputFS is the tree the reader resolves Entry (and redirects) against.
	// Nil means the process working directory.
	InputFS fs.FS

	OutDir string // output directory; empty skips the write stage

	ReadOpts  map[string]string
	WriteOpts map[string]string
}

// Outcome is the result of a conversion run.
type Outcome struct {
	System   *model.DistributionSystem
	Warnings []model.Warning
}

// Pipeline runs conversions against one registry.
type Pipeline struct {
	log *slog.Logger
	reg *Registry
}

// NewPipeline creates a pipeline over a registry.
func NewPipeline(log *slog.Logger, reg *Registry) *Pipeline {
	return &Pipeline{log: log.With("component", "convert"), reg: reg}
}

// Run executes read, validate, topology and write as traced stages. The
// write stage only runs when every earlier stage succeeded: a system with
// validation violations is never written. Topology warnings (islands,
// ambiguous feeders) are returned, never fatal.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	reader, ok := p.reg.Reader(req.From)
	if !ok {
		return nil, fmt.Errorf("unknown input format %q (have %v)", req.From, p.reg.ReaderFormats())
	}
	var writer Writer
	if req.OutDir != "" {
		writer, ok = p.reg.Writer(req.To)
		if !ok {
			return nil, fmt.Errorf("unknown output format %q (have %v)", req.To, p.reg.WriterFormats())
		}
	}
	fsys := req.InputFS
	if fsys == nil {
		fsys = os.DirFS(".")
	}

	policy, err := partition.ParseMergePolicy(req.MergePolicy)
	if err != nil {
		return nil, err
	}

	read := fn.TracedStage("convert.read",
		func(ctx context.Context, req Request) fn.Result[*model.DistributionSystem] {
			sys, err := reader.Read(ctx, fsys, req.Entry, req.ReadOpts)
			if err != nil {
				return fn.Err[*model.DistributionSystem](err)
			}
			for _, entry := range req.MergeEntries {
				next, err := reader.Read(ctx, fsys, entry, req.ReadOpts)
				if err != nil {
					return fn.Err[*model.DistributionSystem](err)
				}
				if err := partition.Merge(sys, next, policy); err != nil {
					return fn.Err[*model.DistributionSystem](err)
				}
			}
			return fn.Ok(sys)
		})

	validate := fn.TracedStage("convert.validate",
		func(ctx context.Context, sys *model.DistributionSystem) fn.Result[*model.DistributionSystem] {
			if err := sys.Validate().AsError(); err != nil {
				return fn.Err[*model.DistributionSystem](err)
			}
			return fn.Ok(sys)
		})

	derive := fn.TracedStage("convert.topology",
		func(ctx context.Context, sys *model.DistributionSystem) fn.Result[*model.DistributionSystem] {
			labels := topology.Apply(sys)
			for _, w := range labels.Warnings {
				p.log.Warn("topology finding", "code", w.Code, "component", w.Component, "detail", w.Detail)
			}
			return fn.Ok(sys)
		})

	write := fn.TracedStage("convert.write",
		func(ctx context.Context, sys *model.DistributionSystem) fn.Result[*model.DistributionSystem] {
			if writer == nil {
				return fn.Ok(sys)
			}
			if err := writer.Write(ctx, sys, req.OutDir, req.WriteOpts); err != nil {
				return fn.Err[*model.DistributionSystem](err)
			}
			return fn.Ok(sys)
		})

	run := fn.Then(read, fn.Pipeline(validate, derive, write))
	sys, err := run(ctx, req).Unwrap()
	if err != nil {
		return nil, err
	}

	out := &Outcome{System: sys}
	if labels := sys.Labels(); labels != nil {
		out.Warnings = labels.Warnings
	}
	p.log.Info("conversion complete",
		"from", req.From, "to", req.To,
		"components", sys.Len(), "warnings", len(out.Warnings))
	return out, nil
}
