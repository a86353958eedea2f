package record

import (
	"fmt"
	"strings"
)

// Segment names which half of a Row a field lives in.
type Segment string

const (
	SegmentInput  Segment = "input"
	SegmentOutput Segment = "output"
)

// UnknownFieldError reports a field name the index does not know.
type UnknownFieldError struct {
	Segment Segment
	Name    string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown %s field %q", e.Segment, e.Name)
}

// FieldIndex maps input and output field names to positions within a Row.
// It is immutable after construction and safe for concurrent use.
type FieldIndex struct {
	inputs  []string
	outputs []string

	inputPos  map[string]int
	outputPos map[string]int
}

// NewFieldIndex builds an index over the given ordered names. Names must be non-empty and
// unique within their segment.
func NewFieldIndex(inputs, outputs []string) (*FieldIndex, error) {
	idx := &FieldIndex{
		inputs:    append([]string(nil), inputs...),
		outputs:   append([]string(nil), outputs...),
		inputPos:  make(map[string]int, len(inputs)),
		outputPos: make(map[string]int, len(outputs)),
	}
	if err := fill(idx.inputPos, idx.inputs, SegmentInput); err != nil {
		return nil, err
	}
	if err := fill(idx.outputPos, idx.outputs, SegmentOutput); err != nil {
		return nil, err
	}
	return idx, nil
}

func fill(pos map[string]int, names []string, seg Segment) error {
	for i, name := range names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s field at position %d has an empty name", seg, i)
		}
		if _, dup := pos[name]; dup {
			return fmt.Errorf("duplicate %s field %q", seg, name)
		}
		pos[name] = i
	}
	return nil
}

// InputIndex returns the position of an input field.
func (f *FieldIndex) InputIndex(name string) (int, error) {
	i, ok := f.inputPos[name]
	if !ok {
		return -1, &UnknownFieldError{Segment: SegmentInput, Name: name}
	}
	return i, nil
}

// OutputIndex returns the position of an output field.
func (f *FieldIndex) OutputIndex(name string) (int, error) {
	i, ok := f.outputPos[name]
	if !ok {
		return -1, &UnknownFieldError{Segment: SegmentOutput, Name: name}
	}
	return i, nil
}

// InputNames returns a copy of the ordered input names.
func (f *FieldIndex) InputNames() []string { return append([]string(nil), f.inputs...) }

// OutputNames returns a copy of the ordered output names.
func (f *FieldIndex) OutputNames() []string { return append([]string(nil), f.outputs...) }

// OutputWidth is the number of output positions a Row needs for this index.
func (f *FieldIndex) OutputWidth() int { return len(f.outputs) }

// NewRow builds an empty-output row sized for this index.
func (f *FieldIndex) NewRow(input []any) (*Row, error) {
	if len(input) != len(f.inputs) {
		return nil, fmt.Errorf("input has %d values, want %d", len(input), len(f.inputs))
	}
	return NewRow(input, len(f.outputs)), nil
}
