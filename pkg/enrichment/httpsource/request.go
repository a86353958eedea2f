package httpsource

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/record"
)

// Request is a fully rendered call for one record.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

// TemplateError reports a template whose placeholders do not line up with the variables.
type TemplateError struct {
	// Template is "endpoint" or "bodyPattern".
	Template     string
	Placeholders int
	Variables    int
	Detail       string
}

func (e *TemplateError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s template: %s", e.Template, e.Detail)
	}
	return fmt.Sprintf("%s template has %d placeholders for %d body variables", e.Template, e.Placeholders, e.Variables)
}

// countPlaceholders counts %s verbs. %% is a literal percent; any other verb is rejected.
func countPlaceholders(tmpl string) (int, error) {
	n := 0
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '%' {
			continue
		}
		if i+1 >= len(tmpl) {
			return 0, fmt.Errorf("trailing %%")
		}
		switch tmpl[i+1] {
		case 's':
			n++
		case '%':
		default:
			return 0, fmt.Errorf("unsupported verb %%%c at offset %d", tmpl[i+1], i)
		}
		i++
	}
	return n, nil
}

// render substitutes vals for %s placeholders in order. tmpl must have passed countPlaceholders.
func render(tmpl string, vals []string) string {
	var b strings.Builder
	b.Grow(len(tmpl))
	next := 0
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' || i+1 >= len(tmpl) {
			b.WriteByte(c)
			continue
		}
		switch tmpl[i+1] {
		case 's':
			if next < len(vals) {
				b.WriteString(vals[next])
			}
			next++
		case '%':
			b.WriteByte('%')
		}
		i++
	}
	return b.String()
}

// queryPlaceholders reports, per %s in tmpl, whether it sits in the query part of a URL.
// inQuery says whether the text tmpl is appended to already has a '?'.
func queryPlaceholders(tmpl string, inQuery bool) []bool {
	var out []bool
	for i := 0; i < len(tmpl); i++ {
		switch {
		case tmpl[i] == '?':
			inQuery = true
		case tmpl[i] == '%' && i+1 < len(tmpl):
			if tmpl[i+1] == 's' {
				out = append(out, inQuery)
			}
			i++
		}
	}
	return out
}

// escapeURLValues escapes each value for the URL part its placeholder sits in.
func escapeURLValues(vals []string, inQuery []bool) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		if i < len(inQuery) && inQuery[i] {
			out[i] = url.QueryEscape(v)
			continue
		}
		out[i] = url.PathEscape(v)
	}
	return out
}

// RequestBuilder renders per-record requests for one source. Template shape and variable
// names are checked once, at construction.
type RequestBuilder struct {
	cfg                  *Config
	positions            []int
	endpointPlaceholders int

	endpointQuery []bool
	appendedQuery []bool
}

// NewRequestBuilder resolves the body variables against index and checks both templates.
func NewRequestBuilder(cfg *Config, index *record.FieldIndex) (*RequestBuilder, error) {
	positions := make([]int, 0, len(cfg.BodyVariables))
	for _, name := range cfg.BodyVariables {
		pos, err := index.InputIndex(name)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}

	bodyN, err := countPlaceholders(cfg.BodyPattern)
	if err != nil {
		return nil, &TemplateError{Template: "bodyPattern", Detail: err.Error()}
	}
	if bodyN != len(positions) {
		return nil, &TemplateError{Template: "bodyPattern", Placeholders: bodyN, Variables: len(positions)}
	}
	endN, err := countPlaceholders(cfg.Endpoint)
	if err != nil {
		return nil, &TemplateError{Template: "endpoint", Detail: err.Error()}
	}
	if endN != 0 && endN != len(positions) {
		return nil, &TemplateError{Template: "endpoint", Placeholders: endN, Variables: len(positions)}
	}
	return &RequestBuilder{
		cfg:                  cfg,
		positions:            positions,
		endpointPlaceholders: endN,
		endpointQuery:        queryPlaceholders(cfg.Endpoint, false),
		appendedQuery:        queryPlaceholders(cfg.BodyPattern, strings.Contains(cfg.Endpoint, "?")),
	}, nil
}

// Build renders the request for one record.
//
// Values are substituted positionally into the body and, when it has placeholders, the
// endpoint. URL values are path-escaped before a '?' and query-escaped after it. For GET and
// DELETE no body is sent; when the endpoint has no placeholders the rendered body pattern is
// appended to it instead.
func (b *RequestBuilder) Build(v *record.View) (Request, error) {
	raw := make([]string, len(b.positions))
	for i, pos := range b.positions {
		val, err := v.Input(pos)
		if err != nil {
			return Request{}, fmt.Errorf("read body variable %q: %w", b.cfg.BodyVariables[i], err)
		}
		raw[i] = stringify(val)
	}

	req := Request{
		Method:  string(b.cfg.Verb),
		Headers: b.cfg.Headers,
	}
	if b.endpointPlaceholders > 0 {
		req.URL = render(b.cfg.Endpoint, escapeURLValues(raw, b.endpointQuery))
	} else {
		req.URL = render(b.cfg.Endpoint, nil)
	}
	if b.cfg.Verb.SendsBody() {
		req.Body = []byte(render(b.cfg.BodyPattern, raw))
	} else if b.endpointPlaceholders == 0 {
		req.URL += render(b.cfg.BodyPattern, escapeURLValues(raw, b.appendedQuery))
	}
	return req, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
