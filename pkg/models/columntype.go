package models

// Portable columnar type tags. Drivers map source-native types onto this set
// during discovery, and the streaming writer produces Arrow fields from it,
// so columns discovered and columns written always agree.
const (
	TypeBoolean     = "boolean"
	TypeInt16       = "int16"
	TypeInt32       = "int32"
	TypeInt64       = "int64"
	TypeFloat32     = "float32"
	TypeFloat64     = "float64"
	TypeDecimal     = "decimal"
	TypeUtf8        = "utf8"
	TypeBinary      = "binary"
	TypeDate        = "date"
	TypeTime        = "time"
	TypeTimestamp   = "timestamp"
	TypeTimestampTZ = "timestamptz"
)

// KnownColumnType reports whether tag is one of the portable type tags.
func KnownColumnType(tag string) bool {
	switch tag {
	case TypeBoolean, TypeInt16, TypeInt32, TypeInt64, TypeFloat32,
		TypeFloat64, TypeDecimal, TypeUtf8, TypeBinary, TypeDate,
		TypeTime, TypeTimestamp, TypeTimestampTZ:
		return true
	}
	return false
}
