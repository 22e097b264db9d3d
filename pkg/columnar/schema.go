// Package columnar writes record batches to Parquet artifacts and converts
// between the catalog's portable column types and Arrow schemas.
package columnar

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/rivetdb/rivetdb/pkg/models"
)

// ArrowType maps a portable column type tag to its Arrow data type.
func ArrowType(tag string) (arrow.DataType, error) {
	switch tag {
	case models.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case models.TypeInt16:
		return arrow.PrimitiveTypes.Int16, nil
	case models.TypeInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case models.TypeInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case models.TypeFloat32:
		return arrow.PrimitiveTypes.Float32, nil
	case models.TypeFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case models.TypeDecimal:
		return &arrow.Decimal128Type{Precision: 38, Scale: 10}, nil
	case models.TypeUtf8:
		return arrow.BinaryTypes.String, nil
	case models.TypeBinary:
		return arrow.BinaryTypes.Binary, nil
	case models.TypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	case models.TypeTime:
		return arrow.FixedWidthTypes.Time64us, nil
	case models.TypeTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond}, nil
	case models.TypeTimestampTZ:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}, nil
	default:
		return nil, fmt.Errorf("unknown column type tag %q", tag)
	}
}

// SchemaFromColumns builds the Arrow schema for a cataloged table. Columns
// must be in ordinal order, which is how the catalog returns them.
func SchemaFromColumns(cols []models.Column) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(cols))
	for _, c := range cols {
		dt, err := ArrowType(c.DataType)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: dt, Nullable: c.Nullable})
	}
	return arrow.NewSchema(fields, nil), nil
}

// SchemaFromMetadata builds the Arrow schema from freshly discovered column
// metadata, before the catalog has assigned ids.
func SchemaFromMetadata(cols []models.ColumnMetadata) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(cols))
	for _, c := range cols {
		dt, err := ArrowType(c.DataType)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: dt, Nullable: c.Nullable})
	}
	return arrow.NewSchema(fields, nil), nil
}
