package pgwire

// ColumnMetadata describes one column reported by a RowDescription
// message. Populated only when a Cursor was opened with
// retrieveColumnMetadata.
type ColumnMetadata struct {
	Name             string
	TableOID         uint32
	ColumnAttribute  int16
	DataTypeOID      uint32
	DataTypeSize     int16
	DataTypeModifier int32
}

// Row is an ordered sequence of column values, plus — if the owning
// Cursor requested column metadata — a resolver an external RowDecoder
// can use to look columns up by name.
type Row struct {
	columns []Value
	index   ColumnIndex
}

// Columns returns the row's values in column order.
func (r Row) Columns() []Value { return r.columns }

// ColumnIndex returns the name-to-index resolver and true, or nil and
// false if the owning Cursor did not request column metadata.
func (r Row) ColumnIndex() (ColumnIndex, bool) {
	if r.index == nil {
		return nil, false
	}
	return r.index, true
}

// Decode asks decoder to materialize dest from this row's columns.
func (r Row) Decode(decoder RowDecoder, dest any) error {
	return decoder.DecodeRow(dest, r.columns, r.index)
}
