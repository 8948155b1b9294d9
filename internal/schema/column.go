// Package schema holds the immutable in-memory description of tables,
// columns, keys and views (components C2/C3), plus the fluent builder
// that validates and constructs it.
package schema

// LogicalType is the application-facing type of a column.
type LogicalType string

const (
	LogicalGUID    LogicalType = "guid"
	LogicalText    LogicalType = "text"
	LogicalInteger LogicalType = "integer"
	LogicalReal    LogicalType = "real"
	LogicalDate    LogicalType = "date"
	LogicalFileset LogicalType = "fileset"
)

// PhysicalType is the SQLite storage affinity a column is declared with.
type PhysicalType string

const (
	PhysicalText    PhysicalType = "TEXT"
	PhysicalInteger PhysicalType = "INTEGER"
	PhysicalReal    PhysicalType = "REAL"
)

// physicalFor maps a logical type to its on-disk affinity. GUID, TEXT,
// DATE and FILESET all fold to TEXT; only INTEGER and REAL get their own
// affinity.
func physicalFor(lt LogicalType) PhysicalType {
	switch lt {
	case LogicalInteger:
		return PhysicalInteger
	case LogicalReal:
		return PhysicalReal
	default:
		return PhysicalText
	}
}

// Default represents either a scalar default value or a per-row generator
// callback (e.g. a new GUID or the current HLC timestamp). Exactly one of
// Scalar/Generator should be set; IsZero reports whether neither is.
type Default struct {
	Scalar    interface{}
	Generator func() interface{}
}

func (d Default) IsZero() bool { return d.Scalar == nil && d.Generator == nil }

// Resolve returns the concrete value for one row: the generator's result
// if present, otherwise the scalar.
func (d Default) Resolve() interface{} {
	if d.Generator != nil {
		return d.Generator()
	}
	return d.Scalar
}

// ScalarDefault builds a Default carrying a fixed value.
func ScalarDefault(v interface{}) Default { return Default{Scalar: v} }

// GeneratorDefault builds a Default resolved per inserted row.
func GeneratorDefault(fn func() interface{}) Default { return Default{Generator: fn} }

// Column is one field of a Table.
type Column struct {
	Name         string
	LogicalType  LogicalType
	PhysicalType PhysicalType
	NotNull      bool
	Default      Default
	MinValue     *float64
	MaxLength    *int
	IsLWW        bool
	IsParent     bool
	IsSequence   bool
	// SequencePerParent scopes IsSequence numbering to rows sharing the
	// same parent-link column rather than being globally monotonic.
	SequencePerParent bool

	// Fileset-only constraints; required when LogicalType == LogicalFileset.
	MaxCount         *int
	MaxFileSizeBytes *int64
}

// hlcCompanionName is the name of the implicit timestamp column added for
// every LWW column.
func hlcCompanionName(col string) string { return col + "__hlc" }

// hlcCompanion builds the implicit `X__hlc` column for an LWW column.
func hlcCompanion(col Column) Column {
	return Column{
		Name:         hlcCompanionName(col.Name),
		LogicalType:  LogicalText,
		PhysicalType: PhysicalText,
		NotNull:      false,
		Default:      ScalarDefault(""),
	}
}

// Equal reports physical equality per the differ's normalization rules
// (spec §4.3): defaults compare with undefined≈null≈missing, IsLWW missing
// is equivalent to false, and application-level constraints (MinValue,
// MaxLength, MaxCount, MaxFileSizeBytes) never participate.
func (c Column) Equal(o Column) bool {
	if c.Name != o.Name {
		return false
	}
	if physicalFor(c.LogicalType) != physicalFor(o.LogicalType) {
		return false
	}
	if c.NotNull != o.NotNull {
		return false
	}
	if c.IsLWW != o.IsLWW {
		return false
	}
	return defaultsEqual(c.Default, o.Default)
}

func defaultsEqual(a, b Default) bool {
	aNil := a.Scalar == nil && a.Generator == nil
	bNil := b.Scalar == nil && b.Generator == nil
	if aNil || bNil {
		return aNil == bNil
	}
	if (a.Generator == nil) != (b.Generator == nil) {
		// A generator on one side and a scalar on the other never
		// compare equal; scalars are compared by value only when both
		// sides are scalars.
		return a.Generator != nil && b.Generator != nil
	}
	if a.Generator != nil {
		return true // two generators are considered equal; their identity isn't physical
	}
	return a.Scalar == b.Scalar
}
