// Package output writes normalized vulnerability documents to JSON-lines
// files and forwards them to optional sinks.
package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// TimestampLayout renders the scan time in output file names.
const TimestampLayout = "2006-01-02_15.04.05"

// HostBatch is everything written for one scanned host.
type HostBatch struct {
	ScanID        int32
	HostID        int32
	ScanTimestamp *time.Time
	Documents     []types.VulnerabilityDocument
}

// Result describes what Write produced. Filename is empty when the batch
// had no documents; in separate mode it is the "<prefix>_?.json" pattern.
type Result struct {
	Filename        string
	Files           []string
	OutputTimestamp time.Time
}

// Writer writes host batches under one directory and forwards them to the
// configured sinks.
type Writer struct {
	dir      string
	separate bool
	sinks    []core.Sink
	logger   *logger.Logger
	now      func() time.Time
}

func NewWriter(cfg config.OutputConfig, log *logger.Logger, sinks ...core.Sink) (*Writer, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return &Writer{
		dir:      dir,
		separate: cfg.Separate,
		sinks:    sinks,
		logger:   log.WithComponent("output"),
		now:      time.Now,
	}, nil
}

// Prefix is the path of a batch's files without the ".json" suffix. The
// scan timestamp is used when known, the current time otherwise.
func (w *Writer) Prefix(b HostBatch) string {
	ts := w.now()
	if b.ScanTimestamp != nil {
		ts = *b.ScanTimestamp
	}
	name := fmt.Sprintf("%s_%d_%d", ts.Format(TimestampLayout), b.ScanID, b.HostID)
	return filepath.Join(w.dir, name)
}

// Write emits the batch. Sinks receive the documents after the files are
// on disk.
func (w *Writer) Write(ctx context.Context, b HostBatch) (Result, error) {
	res := Result{OutputTimestamp: w.now()}
	if len(b.Documents) == 0 {
		return res, nil
	}

	prefix := w.Prefix(b)
	if w.separate {
		res.Filename = prefix + "_?.json"
		for i := range b.Documents {
			name := prefix + "_" + strconv.Itoa(i) + ".json"
			if err := writeLines(name, b.Documents[i:i+1]); err != nil {
				return res, err
			}
			res.Files = append(res.Files, name)
		}
	} else {
		res.Filename = prefix + ".json"
		if err := writeLines(res.Filename, b.Documents); err != nil {
			return res, err
		}
		res.Files = []string{res.Filename}
	}

	w.logger.WithContext(ctx).Infow("Wrote host vulnerabilities",
		"scan_id", b.ScanID,
		"host_id", b.HostID,
		"documents", len(b.Documents),
		"filename", res.Filename,
	)

	for _, s := range w.sinks {
		if err := s.Push(ctx, b.Documents); err != nil {
			return res, fmt.Errorf("failed to push to %s: %w", s.Name(), err)
		}
	}
	return res, nil
}

// Close closes every sink.
func (w *Writer) Close() error {
	var firstErr error
	for _, s := range w.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", s.Name(), err)
		}
	}
	return firstErr
}

// writeLines writes one JSON document per line. The file is written under a
// temporary name and renamed so readers never see a partial file.
func writeLines(name string, docs []types.VulnerabilityDocument) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(name), ".vulnpull-*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	buf := bufio.NewWriter(tmp)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	for i := range docs {
		if err = enc.Encode(&docs[i]); err != nil {
			return fmt.Errorf("failed to encode document for %s: %w", name, err)
		}
	}
	if err = buf.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err = os.Rename(tmp.Name(), name); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}
