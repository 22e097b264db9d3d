package drivers

import (
	"testing"

	"github.com/rivetdb/rivetdb/pkg/models"
)

func TestPgTypeTag(t *testing.T) {
	tests := map[string]string{
		"integer":                  models.TypeInt32,
		"bigint":                   models.TypeInt64,
		"smallint":                 models.TypeInt16,
		"boolean":                  models.TypeBoolean,
		"character varying":        models.TypeUtf8,
		"text":                     models.TypeUtf8,
		"numeric":                  models.TypeDecimal,
		"bytea":                    models.TypeBinary,
		"date":                     models.TypeDate,
		"timestamp with time zone": models.TypeTimestampTZ,
		"uuid":                     models.TypeUtf8,
		"some_exotic_type":         models.TypeUtf8,
	}
	for pgType, want := range tests {
		if got := pgTypeTag(pgType); got != want {
			t.Errorf("pgTypeTag(%q) = %q, want %q", pgType, got, want)
		}
	}
}

func TestDuckdbTypeTag(t *testing.T) {
	tests := map[string]string{
		"INTEGER":       models.TypeInt32,
		"BIGINT":        models.TypeInt64,
		"DOUBLE":        models.TypeFloat64,
		"DECIMAL(18,3)": models.TypeDecimal,
		"VARCHAR":       models.TypeUtf8,
		"BLOB":          models.TypeBinary,
		"TIMESTAMP":     models.TypeTimestamp,
	}
	for duckType, want := range tests {
		if got := duckdbTypeTag(duckType); got != want {
			t.Errorf("duckdbTypeTag(%q) = %q, want %q", duckType, got, want)
		}
	}
}

func TestSnowflakeTypeTag(t *testing.T) {
	tests := map[string]string{
		"NUMBER":        models.TypeDecimal,
		"FLOAT":         models.TypeFloat64,
		"TEXT":          models.TypeUtf8,
		"TIMESTAMP_NTZ": models.TypeTimestamp,
		"TIMESTAMP_TZ":  models.TypeTimestampTZ,
		"BOOLEAN":       models.TypeBoolean,
	}
	for sfType, want := range tests {
		if got := snowflakeTypeTag(sfType); got != want {
			t.Errorf("snowflakeTypeTag(%q) = %q, want %q", sfType, got, want)
		}
	}
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()

	for _, st := range []models.SourceType{
		models.SourceTypePostgres,
		models.SourceTypeSnowflake,
		models.SourceTypeDuckDB,
		models.SourceTypeMotherDuck,
		models.SourceTypeIceberg,
	} {
		if _, err := r.Get(st); err != nil {
			t.Errorf("expected driver for %q, got %v", st, err)
		}
	}

	if _, err := r.Get(models.SourceType("oracle")); err == nil {
		t.Error("expected error for unregistered source type")
	}
}
