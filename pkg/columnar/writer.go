package columnar

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// RecordWriter is the sink a driver streams record batches into. Drivers do
// not own file I/O; they only push batches.
type RecordWriter interface {
	// Schema is the Arrow schema batches must conform to.
	Schema() *arrow.Schema

	// Write appends one record batch. Each batch becomes a Parquet row
	// group, so memory stays bounded by the batch size.
	Write(rec arrow.Record) error
}

// StreamingWriter produces a single Parquet file from a stream of record
// batches. After a successful Close the file is complete and readable; an
// abandoned or failed writer leaves only the staging file, which the caller
// discards.
type StreamingWriter struct {
	path   string
	schema *arrow.Schema
	file   *os.File
	fw     *pqarrow.FileWriter
	rows   int64
	closed bool
}

// NewStreamingWriter creates the staging file and the Parquet writer for the
// given schema. A table with zero rows still yields a valid empty file.
func NewStreamingWriter(path string, schema *arrow.Schema) (*StreamingWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithAllocator(memory.DefaultAllocator),
	)

	fw, err := pqarrow.NewFileWriter(schema, f, props, arrowProps)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	return &StreamingWriter{path: path, schema: schema, file: f, fw: fw}, nil
}

// Schema returns the schema batches must conform to.
func (w *StreamingWriter) Schema() *arrow.Schema {
	return w.schema
}

// Write appends one record batch as a row group.
func (w *StreamingWriter) Write(rec arrow.Record) error {
	if w.closed {
		return fmt.Errorf("write after close")
	}
	if err := w.fw.Write(rec); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	w.rows += rec.NumRows()
	return nil
}

// Rows returns how many rows have been written so far.
func (w *StreamingWriter) Rows() int64 {
	return w.rows
}

// Close flushes and finishes the file. The writer is unusable afterwards.
func (w *StreamingWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.fw.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	// Harmless if the parquet writer already closed the sink.
	_ = w.file.Close()
	return nil
}

// Abort closes the writer without caring about file validity so the staging
// file can be removed.
func (w *StreamingWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	_ = w.fw.Close()
	_ = w.file.Close()
	_ = os.Remove(w.path)
}
