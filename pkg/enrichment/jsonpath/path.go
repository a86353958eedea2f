// Package jsonpath evaluates a small JSONPath subset against decoded JSON documents.
//
// Supported syntax:
//   - Root: "$" (optional; "a.b" is the same as "$.a.b")
//   - Field access: "$.surge", "$.data.driver", "$['field with spaces']"
//   - Array indexing: "$.items[0]", "$.matrix[1][2]", "$[0]"
//
// Numbers are decoded with json.Decoder.UseNumber and normalized to int64 when the
// literal is integral, float64 otherwise, so fractional values are never truncated.
package jsonpath

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrEmptyPath   = errors.New("empty path")
	ErrInvalidPath = errors.New("invalid path")
)

// PathNotFoundError reports a path that resolves to nothing usable in a document.
type PathNotFoundError struct {
	Path   string
	Reason string
}

func (e *PathNotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("path %q not found", e.Path)
	}
	return fmt.Sprintf("path %q not found: %s", e.Path, e.Reason)
}

type segment struct {
	key     string
	index   int
	isIndex bool
}

func (s segment) String() string {
	if s.isIndex {
		return "[" + strconv.Itoa(s.index) + "]"
	}
	return "." + s.key
}

// Path is a parsed path expression. The zero value selects the document root.
type Path struct {
	raw      string
	segments []segment
}

// String returns the expression the path was parsed from.
func (p Path) String() string { return p.raw }

// Parse compiles a path expression.
func Parse(expr string) (Path, error) {
	raw := expr
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Path{}, ErrEmptyPath
	}
	if strings.HasPrefix(expr, "$") {
		expr = expr[1:]
	} else {
		expr = "." + expr
	}

	var segs []segment
	for len(expr) > 0 {
		switch expr[0] {
		case '.':
			expr = expr[1:]
			end := strings.IndexAny(expr, ".[")
			if end == -1 {
				end = len(expr)
			}
			key := expr[:end]
			if key == "" {
				return Path{}, fmt.Errorf("%w %q: empty field name", ErrInvalidPath, raw)
			}
			segs = append(segs, segment{key: key})
			expr = expr[end:]
		case '[':
			end := strings.IndexByte(expr, ']')
			if end == -1 {
				return Path{}, fmt.Errorf("%w %q: unclosed bracket", ErrInvalidPath, raw)
			}
			seg, err := parseBracket(expr[1:end])
			if err != nil {
				return Path{}, fmt.Errorf("%w %q: %v", ErrInvalidPath, raw, err)
			}
			segs = append(segs, seg)
			expr = expr[end+1:]
		default:
			return Path{}, fmt.Errorf("%w %q: unexpected %q", ErrInvalidPath, raw, expr[0])
		}
	}
	return Path{raw: raw, segments: segs}, nil
}

func parseBracket(inner string) (segment, error) {
	inner = strings.TrimSpace(inner)
	if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
		key := inner[1 : len(inner)-1]
		if key == "" {
			return segment{}, errors.New("empty quoted field name")
		}
		return segment{key: key}, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return segment{}, fmt.Errorf("array index %q must be a non-negative integer", inner)
	}
	return segment{index: n, isIndex: true}, nil
}

// Extract evaluates the path against doc and returns the scalar it selects.
// Missing keys, out-of-range indexes, null and non-scalar results are reported as
// *PathNotFoundError.
func (p Path) Extract(doc any) (any, error) {
	cur := doc
	walked := "$"
	for _, seg := range p.segments {
		walked += seg.String()
		next, ok := step(cur, seg)
		if !ok {
			return nil, &PathNotFoundError{Path: p.raw, Reason: "no value at " + walked}
		}
		cur = next
	}
	switch v := cur.(type) {
	case nil:
		return nil, &PathNotFoundError{Path: p.raw, Reason: "null value"}
	case map[string]any, []any:
		return nil, &PathNotFoundError{Path: p.raw, Reason: "value is not a scalar"}
	default:
		return Normalize(v), nil
	}
}

func step(cur any, seg segment) (any, bool) {
	if seg.isIndex {
		arr, ok := cur.([]any)
		if !ok || seg.index >= len(arr) {
			return nil, false
		}
		return arr[seg.index], true
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[seg.key]
	return v, ok
}

// Extract parses expr and evaluates it against doc.
func Extract(doc any, expr string) (any, error) {
	p, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return p.Extract(doc)
}

// Decode parses a JSON document keeping numbers as json.Number.
func Decode(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("decode response body: trailing data after JSON value")
	}
	return doc, nil
}

// Normalize converts json.Number values to int64 (integral literals that fit) or float64.
// Other values are returned unchanged.
func Normalize(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return f
}
