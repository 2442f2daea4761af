// Command gridweave converts distribution network models between formats,
// exports them to Neo4j, and runs the NATS conversion worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gridweave/gridweave/engine/convert"
	"github.com/gridweave/gridweave/engine/model"
)

const usage = `usage: gridweave <command> [flags]

commands:
  convert       convert a model between formats
  list-readers  list available input formats
  list-writers  list available output formats
  export-graph  mirror a saved model into Neo4j
  serve         run the conversion worker and HTTP endpoint
`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(os.Args[2:], logger)
	case "list-readers":
		err = runListFormats(logger, true)
	case "list-writers":
		err = runListFormats(logger, false)
	case "export-graph":
		err = runExportGraph(os.Args[2:], logger)
	case "serve":
		err = runServe(os.Args[2:], logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		reportError(err)
		os.Exit(1)
	}
}

// reportError prints the complete violation list when the failure carries
// one, so a whole batch of model problems surfaces in a single run.
func reportError(err error) {
	var vl model.ViolationList
	if errors.As(err, &vl) {
		fmt.Fprintf(os.Stderr, "error: %d violation(s)\n", len(vl))
		for _, v := range vl {
			fmt.Fprintf(os.Stderr, "  %s\n", v.Error())
		}
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func runConvert(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	reader := fs.String("reader", "", "input format")
	writer := fs.String("writer", "", "output format")
	input := fs.String("input", "", "input entry file")
	output := fs.String("output", "out", "output directory")
	saveGDM := fs.String("save-gdm", "", "also save the canonical JSON model to this path")
	partition := fs.String("partition", "", "comma separated output partition axes (feeder,substation,type)")
	mergeWith := fs.String("merge-with", "", "comma separated further entry files merged into the first")
	merge := fs.String("merge", "", "merge policy for -merge-with (fail, replace, merge-fields)")
	workers := fs.Int("workers", 4, "mapper concurrency")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reader == "" || *input == "" {
		fs.Usage()
		return fmt.Errorf("convert needs -reader and -input")
	}

	writeOpts := map[string]string{}
	if *partition != "" {
		writeOpts["partition"] = *partition
	}

	inputDir := filepath.Dir(*input)
	var mergeEntries []string
	if *mergeWith != "" {
		for _, extra := range strings.Split(*mergeWith, ",") {
			rel, err := filepath.Rel(inputDir, strings.TrimSpace(extra))
			if err != nil {
				return fmt.Errorf("merge input %q must live under %s: %w", extra, inputDir, err)
			}
			mergeEntries = append(mergeEntries, filepath.ToSlash(rel))
		}
	}

	outDir := *output
	if *writer == "" {
		outDir = "" // read and validate only
	}

	pipe := convert.NewPipeline(logger, convert.Default(logger, *workers))
	out, err := pipe.Run(context.Background(), convert.Request{
		From:         *reader,
		To:           *writer,
		Entry:        filepath.Base(*input),
		MergeEntries: mergeEntries,
		MergePolicy:  *merge,
		InputFS:      os.DirFS(inputDir),
		OutDir:       outDir,
		WriteOpts:    writeOpts,
	})
	if err != nil {
		return err
	}

	for _, w := range out.Warnings {
		logger.Warn("topology finding", "code", w.Code, "component", w.Component, "detail", w.Detail)
	}
	if *saveGDM != "" {
		if err := saveModel(out.System, *saveGDM); err != nil {
			return err
		}
	}
	logger.Info("conversion complete", "system", out.System.Name, "components", out.System.Len())
	return nil
}

func saveModel(sys *model.DistributionSystem, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return sys.SaveJSON(f)
}

func runListFormats(logger *slog.Logger, readers bool) error {
	reg := convert.Default(logger, 1)
	formats := reg.WriterFormats()
	if readers {
		formats = reg.ReaderFormats()
	}
	for _, f := range formats {
		fmt.Println(f)
	}
	return nil
}
