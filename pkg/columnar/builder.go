package columnar

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// BatchBuilder accumulates scanned rows into Arrow record batches and pushes
// a batch to the writer whenever it fills. Drivers that read row-oriented
// protocols (database/sql, pgx) share it.
type BatchBuilder struct {
	builder   *array.RecordBuilder
	writer    RecordWriter
	batchSize int
	pending   int
}

// DefaultBatchSize bounds rows per record batch (and per Parquet row group).
const DefaultBatchSize = 8192

// NewBatchBuilder creates a builder over the writer's schema.
func NewBatchBuilder(w RecordWriter, batchSize int) *BatchBuilder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BatchBuilder{
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, w.Schema()),
		writer:    w,
		batchSize: batchSize,
	}
}

// AppendRow appends one row of scanned values, one per schema field.
func (b *BatchBuilder) AppendRow(values []any) error {
	fields := b.writer.Schema().Fields()
	if len(values) != len(fields) {
		return fmt.Errorf("row has %d values, schema has %d fields", len(values), len(fields))
	}
	for i, v := range values {
		if err := appendValue(b.builder.Field(i), fields[i], v); err != nil {
			return fmt.Errorf("field %q: %w", fields[i].Name, err)
		}
	}
	b.pending++
	if b.pending >= b.batchSize {
		return b.Flush()
	}
	return nil
}

// Flush pushes any pending rows to the writer as one record batch.
func (b *BatchBuilder) Flush() error {
	if b.pending == 0 {
		return nil
	}
	rec := b.builder.NewRecord()
	defer rec.Release()
	b.pending = 0
	return b.writer.Write(rec)
}

// Release frees builder memory. Call after the final Flush.
func (b *BatchBuilder) Release() {
	b.builder.Release()
}

// appendValue coerces a scanned Go value into the field's Arrow builder.
// Sources disagree on integer widths and string-ish types, so each builder
// accepts every representation a driver might hand it.
func appendValue(fb array.Builder, field arrow.Field, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}

	switch b := fb.(type) {
	case *array.BooleanBuilder:
		bv, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		b.Append(bv)

	case *array.Int16Builder:
		iv, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(int16(iv))

	case *array.Int32Builder:
		iv, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(int32(iv))

	case *array.Int64Builder:
		iv, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(iv)

	case *array.Float32Builder:
		fv, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(float32(fv))

	case *array.Float64Builder:
		fv, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(fv)

	case *array.StringBuilder:
		switch sv := v.(type) {
		case string:
			b.Append(sv)
		case []byte:
			b.Append(string(sv))
		default:
			b.Append(fmt.Sprint(sv))
		}

	case *array.BinaryBuilder:
		switch bv := v.(type) {
		case []byte:
			b.Append(bv)
		case string:
			b.Append([]byte(bv))
		default:
			return fmt.Errorf("expected bytes, got %T", v)
		}

	case *array.Date32Builder:
		tv, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", v)
		}
		b.Append(arrow.Date32FromTime(tv))

	case *array.Time64Builder:
		tv, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", v)
		}
		midnight := time.Date(tv.Year(), tv.Month(), tv.Day(), 0, 0, 0, 0, tv.Location())
		b.Append(arrow.Time64(tv.Sub(midnight) / time.Microsecond))

	case *array.TimestampBuilder:
		tv, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", v)
		}
		b.Append(arrow.Timestamp(tv.UnixMicro()))

	case *array.Decimal128Builder:
		dt := field.Type.(*arrow.Decimal128Type)
		switch dv := v.(type) {
		case string:
			num, err := decimal128.FromString(dv, dt.Precision, dt.Scale)
			if err != nil {
				return fmt.Errorf("bad decimal %q: %w", dv, err)
			}
			b.Append(num)
		case []byte:
			num, err := decimal128.FromString(string(dv), dt.Precision, dt.Scale)
			if err != nil {
				return fmt.Errorf("bad decimal %q: %w", dv, err)
			}
			b.Append(num)
		case float64:
			num, err := decimal128.FromFloat64(dv, dt.Precision, dt.Scale)
			if err != nil {
				return fmt.Errorf("bad decimal %v: %w", dv, err)
			}
			b.Append(num)
		default:
			num, err := decimal128.FromString(fmt.Sprint(dv), dt.Precision, dt.Scale)
			if err != nil {
				return fmt.Errorf("bad decimal %v: %w", dv, err)
			}
			b.Append(num)
		}

	default:
		return fmt.Errorf("unsupported builder %T", fb)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected float, got %T", v)
	}
}
