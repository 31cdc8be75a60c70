package pgwire

// Value is one column of one row: a nullable raw UTF-8 text value, exactly
// as returned by the server in the text result format (binary format is
// out of scope). Richer typed conversions (timestamps, numeric, bytea)
// are an external collaborator's job; Value only exposes the raw text and
// null-ness.
type Value struct {
	raw    string
	isNull bool
}

// NullValue is the SQL NULL value.
func NullValue() Value { return Value{isNull: true} }

// TextValue wraps a non-null raw text value.
func TextValue(s string) Value { return Value{raw: s} }

// IsNull reports whether this column was SQL NULL.
func (v Value) IsNull() bool { return v.isNull }

// Text returns the raw text and true, or "" and false if the value is
// null. Converting the text to a richer type is the caller's (or an
// external row decoder's) responsibility.
func (v Value) Text() (string, bool) {
	if v.isNull {
		return "", false
	}
	return v.raw, true
}

// MustText returns the raw text, panicking if the value is null. Intended
// for call sites that have already checked IsNull, or tests.
func (v Value) MustText() string {
	if v.isNull {
		panic("pgwire: MustText called on a null value")
	}
	return v.raw
}

// ColumnIndex resolves a column name to its 0-based index within a Row, so
// an external row decoder can materialize a struct by field-name lookup
// instead of positionally. Row exposes one only when the cursor was opened
// with retrieveColumnMetadata set.
type ColumnIndex interface {
	Index(name string) (int, bool)
}

type columnIndexMap map[string]int

func (m columnIndexMap) Index(name string) (int, bool) {
	i, ok := m[name]
	return i, ok
}

func newColumnIndex(cols []ColumnMetadata) ColumnIndex {
	m := make(columnIndexMap, len(cols))
	for i, c := range cols {
		if _, exists := m[c.Name]; !exists {
			m[c.Name] = i
		}
	}
	return m
}

// RowDecoder is the external collaborator that materializes an
// application-defined struct from a Row's raw column values, optionally
// consulting the Row's ColumnIndex to resolve fields by name. The core
// never implements this itself; it only threads the values and the
// resolver through to whatever decoder the application supplies.
type RowDecoder interface {
	DecodeRow(dest any, values []Value, index ColumnIndex) error
}
