package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/clipforge/pkg/output"
)

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

// createWriter returns a JSONL writer on stdout or on the --output file.
// Returns the writer, a cleanup function, and any error.
func createWriter(dest string) (output.Writer, func(), error) {
	runID := uuid.NewString()

	if dest == "" || dest == "-" || dest == "stdout" {
		w := output.NewJSONLWriter(stdout, runID)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, runID)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}

// emit writes records of one type to the command's output.
func emit[T any](ctx context.Context, recordType string, items ...T) error {
	w, cleanup, err := createWriter(outputPath)
	if err != nil {
		return err
	}
	defer cleanup()
	for _, item := range items {
		if err := w.Write(ctx, recordType, item); err != nil {
			return err
		}
	}
	return nil
}
