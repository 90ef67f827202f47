// internal/tab/arrow.go
//
// Arrow interchange for tables.
//
// Context
// -------
// The page cache persists tables as Parquet via Arrow records, and the
// manifest stores the Arrow schema as a base64 IPC stream so a cache
// directory is self-describing.  This file owns both conversions.  Only
// the five tab types appear in schemas we write, so the reverse mapping
// rejects anything else — a foreign column type in a page is corruption,
// not data.
package tab

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// tsUTC is the one timestamp flavour we persist.
var tsUTC = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// arrowType maps a tab type onto its Arrow wire type.
func arrowType(t Type) arrow.DataType {
	switch t {
	case String:
		return arrow.BinaryTypes.String
	case Int:
		return arrow.PrimitiveTypes.Int64
	case Float:
		return arrow.PrimitiveTypes.Float64
	case Bool:
		return arrow.FixedWidthTypes.Boolean
	case Time:
		return tsUTC
	}
	return arrow.BinaryTypes.String
}

// typeFromArrow is the inverse of arrowType.
func typeFromArrow(dt arrow.DataType) (Type, error) {
	switch dt.ID() {
	case arrow.STRING, arrow.LARGE_STRING:
		return String, nil
	case arrow.INT64:
		return Int, nil
	case arrow.FLOAT64:
		return Float, nil
	case arrow.BOOL:
		return Bool, nil
	case arrow.TIMESTAMP:
		return Time, nil
	}
	return String, fmt.Errorf("unsupported arrow type %s", dt)
}

// Schema builds the Arrow schema for t's columns.
func (t *Table) Schema() *arrow.Schema {
	fields := make([]arrow.Field, len(t.Cols))
	for i, c := range t.Cols {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// Record converts the table into one Arrow record.  The caller must
// Release it.
func (t *Table) Record(mem memory.Allocator) (arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	rb := array.NewRecordBuilder(mem, t.Schema())
	defer rb.Release()

	for i, c := range t.Cols {
		switch b := rb.Field(i).(type) {
		case *array.StringBuilder:
			for _, v := range c.Values {
				switch s := v.(type) {
				case nil:
					b.AppendNull()
				case string:
					b.Append(s)
				case []byte:
					b.Append(string(s))
				default:
					return nil, fmt.Errorf("column %q: %T is not a string", c.Name, v)
				}
			}
		case *array.Int64Builder:
			for _, v := range c.Values {
				if v == nil {
					b.AppendNull()
					continue
				}
				n, ok := v.(int64)
				if !ok {
					return nil, fmt.Errorf("column %q: %T is not int64", c.Name, v)
				}
				b.Append(n)
			}
		case *array.Float64Builder:
			for _, v := range c.Values {
				if v == nil {
					b.AppendNull()
					continue
				}
				f, ok := v.(float64)
				if !ok {
					return nil, fmt.Errorf("column %q: %T is not float64", c.Name, v)
				}
				b.Append(f)
			}
		case *array.BooleanBuilder:
			for _, v := range c.Values {
				if v == nil {
					b.AppendNull()
					continue
				}
				bv, ok := v.(bool)
				if !ok {
					return nil, fmt.Errorf("column %q: %T is not bool", c.Name, v)
				}
				b.Append(bv)
			}
		case *array.TimestampBuilder:
			for _, v := range c.Values {
				if v == nil {
					b.AppendNull()
					continue
				}
				tv, ok := v.(time.Time)
				if !ok {
					return nil, fmt.Errorf("column %q: %T is not time.Time", c.Name, v)
				}
				b.Append(arrow.Timestamp(tv.UTC().UnixMicro()))
			}
		default:
			return nil, fmt.Errorf("column %q: unhandled builder %T", c.Name, rb.Field(i))
		}
	}
	return rb.NewRecord(), nil
}

// FromSchema builds a zero-row table matching an Arrow schema.
func FromSchema(schema *arrow.Schema) (*Table, error) {
	out := &Table{Cols: make([]Column, schema.NumFields())}
	for i := 0; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		typ, err := typeFromArrow(f.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		out.Cols[i] = Column{Name: f.Name, Type: typ}
	}
	return out, nil
}

// FromRecord converts one Arrow record back into a table.
func FromRecord(rec arrow.Record) (*Table, error) {
	out := &Table{Cols: make([]Column, rec.NumCols())}
	for i := 0; i < int(rec.NumCols()); i++ {
		field := rec.Schema().Field(i)
		typ, err := typeFromArrow(field.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", field.Name, err)
		}
		col := Column{Name: field.Name, Type: typ, Values: make([]any, 0, rec.NumRows())}

		switch arr := rec.Column(i).(type) {
		case *array.String:
			for j := 0; j < arr.Len(); j++ {
				if arr.IsNull(j) {
					col.Values = append(col.Values, nil)
				} else {
					col.Values = append(col.Values, arr.Value(j))
				}
			}
		case *array.LargeString:
			for j := 0; j < arr.Len(); j++ {
				if arr.IsNull(j) {
					col.Values = append(col.Values, nil)
				} else {
					col.Values = append(col.Values, arr.Value(j))
				}
			}
		case *array.Int64:
			for j := 0; j < arr.Len(); j++ {
				if arr.IsNull(j) {
					col.Values = append(col.Values, nil)
				} else {
					col.Values = append(col.Values, arr.Value(j))
				}
			}
		case *array.Float64:
			for j := 0; j < arr.Len(); j++ {
				if arr.IsNull(j) {
					col.Values = append(col.Values, nil)
				} else {
					col.Values = append(col.Values, arr.Value(j))
				}
			}
		case *array.Boolean:
			for j := 0; j < arr.Len(); j++ {
				if arr.IsNull(j) {
					col.Values = append(col.Values, nil)
				} else {
					col.Values = append(col.Values, arr.Value(j))
				}
			}
		case *array.Timestamp:
			unit := field.Type.(*arrow.TimestampType).Unit
			for j := 0; j < arr.Len(); j++ {
				if arr.IsNull(j) {
					col.Values = append(col.Values, nil)
				} else {
					col.Values = append(col.Values, arr.Value(j).ToTime(unit).UTC())
				}
			}
		default:
			return nil, fmt.Errorf("column %q: unhandled array %T", field.Name, rec.Column(i))
		}
		out.Cols[i] = col
	}
	return out, nil
}

/*──────────────────────────── schema round-trip ───────────────────────────*/

// MarshalSchema encodes a schema as a base64 Arrow IPC stream.  The
// stream holds the schema message only; Close emits it even with zero
// record batches.
func MarshalSchema(schema *arrow.Schema) (string, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// UnmarshalSchema decodes a schema previously produced by MarshalSchema.
func UnmarshalSchema(encoded string) (*arrow.Schema, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("schema base64: %w", err)
	}
	r, err := ipc.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema ipc: %w", err)
	}
	defer r.Release()
	return r.Schema(), nil
}
