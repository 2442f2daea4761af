// Package jsonfmt exposes the IR's canonical JSON persistence as a regular
// format, so a system can be captured mid-pipeline and reloaded without
// re-running any mapper.
package jsonfmt

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gridweave/gridweave/engine/model"
)

// FormatName is the registry name of this format.
const FormatName = "json"

// Reader loads a system from one canonical JSON document.
type Reader struct {
	log *slog.Logger
}

// NewReader creates a JSON reader.
func NewReader(log *slog.Logger) *Reader {
	return &Reader{log: log.With("format", FormatName)}
}

// Format returns the registry name of this reader.
func (r *Reader) Format() string { return FormatName }

// Read loads entry from fsys. Saved partition labels are restored as-is.
func (r *Reader) Read(ctx context.Context, fsys fs.FS, entry string, opts map[string]string) (*model.DistributionSystem, error) {
	f, err := fsys.Open(entry)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", entry, err)
	}
	defer f.Close()
	sys, err := model.LoadJSON(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry, err)
	}
	if name := opts["name"]; name != "" {
		sys.Name = name
	}
	r.log.Info("read system", "entry", entry, "components", sys.Len())
	return sys, nil
}

// Writer saves a system as one canonical JSON document.
type Writer struct {
	log *slog.Logger
}

// NewWriter creates a JSON writer.
func NewWriter(log *slog.Logger) *Writer {
	return &Writer{log: log.With("format", FormatName)}
}

// Format returns the registry name of this writer.
func (w *Writer) Format() string { return FormatName }

var unsafeFileChars = regexp.MustCompile(`[^a-z0-9_.-]+`)

// Write renders the system under dir as <name>.json.
func (w *Writer) Write(ctx context.Context, sys *model.DistributionSystem, dir string, opts map[string]string) error {
	files, err := w.Render(ctx, sys, opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	w.log.Info("wrote system", "dir", dir, "files", len(files))
	return nil
}

// Render produces the document in memory.
func (w *Writer) Render(ctx context.Context, sys *model.DistributionSystem, opts map[string]string) (map[string][]byte, error) {
	stem := unsafeFileChars.ReplaceAllString(strings.ToLower(sys.Name), "-")
	if stem == "" {
		stem = "model"
	}
	var buf bytes.Buffer
	if err := sys.SaveJSON(&buf); err != nil {
		return nil, err
	}
	return map[string][]byte{stem + ".json": buf.Bytes()}, nil
}
