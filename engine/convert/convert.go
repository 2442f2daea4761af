// Package convert wires format readers and writers into the conversion
// pipeline: read, validate, derive topology, partition, write. A system that
// fails validation is never written.
package convert

import (
	"context"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/gridweave/gridweave/engine/formats/cimxml"
	"github.com/gridweave/gridweave/engine/formats/cyme"
	"github.com/gridweave/gridweave/engine/formats/jsonfmt"
	"github.com/gridweave/gridweave/engine/formats/opendss"
	"github.com/gridweave/gridweave/engine/model"
)

// Reader turns a source file tree into a DistributionSystem.
type Reader interface {
	Format() string
	Read(ctx context.Context, fsys fs.FS, entry string, opts map[string]string) (*model.DistributionSystem, error)
}

// Writer emits a DistributionSystem into an output directory.
type Writer interface {
	Format() string
	Write(ctx context.Context, sys *model.DistributionSystem, dir string, opts map[string]string) error
}

// Registry holds the available formats.
type Registry struct {
	readers map[string]Reader
	writers map[string]Writer
}

// NewRegistry creates an empty format registry.
func NewRegistry() *Registry {
	return &Registry{readers: map[string]Reader{}, writers: map[string]Writer{}}
}

// Default builds the registry with every built-in format.
func Default(log *slog.Logger, workers int) *Registry {
	r := NewRegistry()
	r.RegisterReader(opendss.NewReader(log, workers))
	r.RegisterWriter(opendss.NewWriter(log))
	r.RegisterReader(cimxml.NewReader(log, workers))
	r.RegisterWriter(cimxml.NewWriter(log))
	// CYME is read-only: models are converted out of it, never into it.
	r.RegisterReader(cyme.NewReader(log, workers))
	r.RegisterReader(jsonfmt.NewReader(log))
	r.RegisterWriter(jsonfmt.NewWriter(log))
	return r
}

// RegisterReader adds a reader under its format name.
func (r *Registry) RegisterReader(rd Reader) { r.readers[rd.Format()] = rd }

// RegisterWriter adds a writer under its format name.
func (r *Registry) RegisterWriter(w Writer) { r.writers[w.Format()] = w }

// Reader returns the reader for a format name.
func (r *Registry) Reader(format string) (Reader, bool) {
	rd, ok := r.readers[format]
	return rd, ok
}

// Writer returns the writer for a format name.
func (r *Registry) Writer(format string) (Writer, bool) {
	w, ok := r.writers[format]
	return w, ok
}

// ReaderFormats lists registered reader formats in ascending order.
func (r *Registry) ReaderFormats() []string {
	out := make([]string, 0, len(r.readers))
	for f := range r.readers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// WriterFormats lists registered writer formats in ascending order.
func (r *Registry) WriterFormats() []string {
	out := make([]string, 0, len(r.writers))
	for f := range r.writers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
