// Package output serializes the produced catalog for downstream consumers.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gustycube/subharvest/internal/fetch"
	"github.com/gustycube/subharvest/internal/types"
)

// Format represents the output format
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// Writer renders a run result in the configured format.
type Writer struct {
	format    Format
	w         io.Writer
	csvWriter *csv.Writer
	mu        sync.Mutex
	hasHeader bool
}

// NewWriter creates a new output writer
func NewWriter(format string, w io.Writer) (*Writer, error) {
	var f Format
	switch strings.ToLower(format) {
	case "json":
		f = FormatJSON
	case "jsonl", "ndjson":
		f = FormatJSONL
	case "csv":
		f = FormatCSV
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	writer := &Writer{
		format: f,
		w:      w,
	}

	if f == FormatCSV {
		writer.csvWriter = csv.NewWriter(w)
	}

	return writer, nil
}

// NewStdoutWriter creates a writer for stdout
func NewStdoutWriter(format string) (*Writer, error) {
	return NewWriter(format, os.Stdout)
}

// WriteResult writes the catalog and statistics in the configured format.
func (w *Writer) WriteResult(result *fetch.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.format {
	case FormatJSON:
		encoder := json.NewEncoder(w.w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)

	case FormatJSONL:
		encoder := json.NewEncoder(w.w)
		for _, c := range result.Configurations {
			if err := encoder.Encode(c); err != nil {
				return err
			}
		}
		return encoder.Encode(result.Stats)

	case FormatCSV:
		return w.writeCSV(result.Configurations)

	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

func (w *Writer) writeCSV(configs []*types.Configuration) error {
	if !w.hasHeader {
		w.csvWriter.Write([]string{
			"protocol", "server", "port", "identity", "cipher", "network",
			"path", "host_header", "tls", "quality_score", "source_url", "created_at",
		})
		w.hasHeader = true
	}

	for _, c := range configs {
		w.csvWriter.Write([]string{
			string(c.Protocol),
			c.Server,
			strconv.Itoa(c.Port),
			c.Identity,
			c.Cipher,
			c.Network,
			c.Path,
			c.HostHeader,
			strconv.FormatBool(c.TLS),
			strconv.FormatFloat(c.QualityScore, 'f', 4, 64),
			c.SourceURL,
			c.CreatedAt.Format(time.RFC3339),
		})
	}

	return w.csvWriter.Error()
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.csvWriter != nil {
		w.csvWriter.Flush()
		return w.csvWriter.Error()
	}
	return nil
}
