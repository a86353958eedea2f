// Package record holds the composite row that flows through enrichment stages and the
// name -> position index used to address it.
package record

import (
	"fmt"
)

// Row is a composite record: an input segment populated before enrichment and an output
// segment filled by enrichment stages. Unset output positions hold nil.
type Row struct {
	Input  []any
	Output []any
}

// NewRow builds a row over the given input values with an output segment of outputWidth
// unset positions. The input slice is copied.
func NewRow(input []any, outputWidth int) *Row {
	in := make([]any, len(input))
	copy(in, input)
	return &Row{
		Input:  in,
		Output: make([]any, outputWidth),
	}
}

// View is the access surface an enrichment stage gets over a Row: read-only on the
// input segment, positional writes on the output segment.
//
// A View is owned by exactly one in-flight record and must not be shared between records.
type View struct {
	row *Row
}

// NewView wraps row. It panics if row is nil.
func NewView(row *Row) *View {
	if row == nil {
		panic("record: nil row")
	}
	return &View{row: row}
}

// Input returns the input value at position i.
func (v *View) Input(i int) (any, error) {
	if i < 0 || i >= len(v.row.Input) {
		return nil, fmt.Errorf("input position %d out of range [0,%d)", i, len(v.row.Input))
	}
	return v.row.Input[i], nil
}

// Output returns the output value at position i.
func (v *View) Output(i int) (any, error) {
	if i < 0 || i >= len(v.row.Output) {
		return nil, fmt.Errorf("output position %d out of range [0,%d)", i, len(v.row.Output))
	}
	return v.row.Output[i], nil
}

// SetOutput writes value at output position i.
func (v *View) SetOutput(i int, value any) error {
	if i < 0 || i >= len(v.row.Output) {
		return fmt.Errorf("output position %d out of range [0,%d)", i, len(v.row.Output))
	}
	v.row.Output[i] = value
	return nil
}

// InputWidth returns the size of the input segment.
func (v *View) InputWidth() int { return len(v.row.Input) }

// OutputWidth returns the size of the output segment.
func (v *View) OutputWidth() int { return len(v.row.Output) }

// Row returns the underlying row.
func (v *View) Row() *Row { return v.row }

// Flatten returns the record as parallel name/value slices: input fields then output fields.
func (v *View) Flatten(index *FieldIndex) ([]string, []any) {
	names := make([]string, 0, len(index.inputs)+len(index.outputs))
	names = append(names, index.inputs...)
	names = append(names, index.outputs...)

	values := make([]any, 0, len(names))
	for i := range index.inputs {
		var val any
		if i < len(v.row.Input) {
			val = v.row.Input[i]
		}
		values = append(values, val)
	}
	for i := range index.outputs {
		var val any
		if i < len(v.row.Output) {
			val = v.row.Output[i]
		}
		values = append(values, val)
	}
	return names, values
}
