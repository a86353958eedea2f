package local

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
)

// CSVSource yields records from a CSV stream with a header row. Input fields are matched to
// header columns case-insensitively; extra columns are ignored.
type CSVSource struct {
	r       *csv.Reader
	closer  io.Closer
	columns []int
	line    int
}

// NewCSVSource reads the header and resolves every input field to a column.
func NewCSVSource(r io.Reader, fields []string) (*CSVSource, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	byName := make(map[string]int, len(header))
	for i, col := range header {
		key := strings.ToLower(strings.TrimSpace(col))
		if _, dup := byName[key]; !dup {
			byName[key] = i
		}
	}
	columns := make([]int, len(fields))
	for i, f := range fields {
		idx, ok := byName[strings.ToLower(strings.TrimSpace(f))]
		if !ok {
			return nil, fmt.Errorf("missing required column %q", f)
		}
		columns[i] = idx
	}

	s := &CSVSource{r: cr, columns: columns, line: 1}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

func (s *CSVSource) Next(ctx context.Context) (core.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return core.Envelope{}, err
	}
	rec, err := s.r.Read()
	if err == io.EOF {
		return core.Envelope{}, core.ErrSourceExhausted
	}
	if err != nil {
		return core.Envelope{}, fmt.Errorf("read row: %w", err)
	}
	s.line++
	input := make([]any, len(s.columns))
	for i, col := range s.columns {
		if col >= len(rec) {
			return core.Envelope{}, fmt.Errorf("row %d has %d columns, want at least %d", s.line, len(rec), col+1)
		}
		input[i] = rec[col]
	}
	return core.Envelope{Input: input}, nil
}

func (s *CSVSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ReadAll drains a source into memory. Intended for small local inputs and tests.
func ReadAll(ctx context.Context, src core.RecordSource) ([][]any, error) {
	var out [][]any
	for {
		env, err := src.Next(ctx)
		if err == core.ErrSourceExhausted {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, env.Input)
	}
}
