// Package httpsource enriches records by calling an HTTP endpoint per record and mapping
// values out of the JSON response.
package httpsource

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCapacity is the in-flight ceiling used when a source does not set one.
const DefaultCapacity = 20

// Verb is an HTTP method.
type Verb string

const (
	VerbGet    Verb = "GET"
	VerbPost   Verb = "POST"
	VerbPut    Verb = "PUT"
	VerbPatch  Verb = "PATCH"
	VerbDelete Verb = "DELETE"
)

// Valid reports whether v is a supported method.
func (v Verb) Valid() bool {
	switch v {
	case VerbGet, VerbPost, VerbPut, VerbPatch, VerbDelete:
		return true
	}
	return false
}

// SendsBody reports whether requests with this verb carry the rendered body.
func (v Verb) SendsBody() bool {
	return v != VerbGet && v != VerbDelete
}

func (v *Verb) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	*v = Verb(strings.ToUpper(strings.TrimSpace(s)))
	return nil
}

// OutputMapping locates one output value in the response.
type OutputMapping struct {
	Path string `yaml:"path"`
}

// Validate returns the names of missing fields.
func (m OutputMapping) Validate() []string {
	if strings.TrimSpace(m.Path) == "" {
		return []string{"path"}
	}
	return nil
}

// OutputMappings is an output-field -> OutputMapping map that remembers declaration order.
//
// In YAML each entry is either a mapping ({path: "$.surge"}) or a bare path string.
type OutputMappings struct {
	names []string
	byKey map[string]OutputMapping
}

// NewOutputMappings builds mappings from alternating name, path pairs.
func NewOutputMappings(pairs ...string) OutputMappings {
	var m OutputMappings
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], OutputMapping{Path: pairs[i+1]})
	}
	return m
}

// Set adds or replaces the mapping for name. New names are appended to the order.
func (o *OutputMappings) Set(name string, m OutputMapping) {
	if o.byKey == nil {
		o.byKey = make(map[string]OutputMapping)
	}
	if _, ok := o.byKey[name]; !ok {
		o.names = append(o.names, name)
	}
	o.byKey[name] = m
}

// Get returns the mapping for name.
func (o OutputMappings) Get(name string) (OutputMapping, bool) {
	m, ok := o.byKey[name]
	return m, ok
}

// Names returns output field names in declaration order.
func (o OutputMappings) Names() []string { return append([]string(nil), o.names...) }

func (o OutputMappings) Len() int { return len(o.names) }

// Map returns an unordered copy.
func (o OutputMappings) Map() map[string]OutputMapping {
	out := make(map[string]OutputMapping, len(o.byKey))
	for k, v := range o.byKey {
		out[k] = v
	}
	return out
}

func (o OutputMappings) clone() OutputMappings {
	var c OutputMappings
	for _, name := range o.names {
		c.Set(name, o.byKey[name])
	}
	return c
}

func (o *OutputMappings) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: outputMapping must be a mapping", n.Line)
	}
	*o = OutputMappings{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		var m OutputMapping
		switch val.Kind {
		case yaml.ScalarNode:
			m.Path = val.Value
		case yaml.MappingNode:
			if err := val.Decode(&m); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: outputMapping %q must be a path or a mapping", val.Line, key.Value)
		}
		if _, dup := o.byKey[key.Value]; dup {
			return fmt.Errorf("line %d: duplicate outputMapping %q", key.Line, key.Value)
		}
		o.Set(key.Value, m)
	}
	return nil
}

// StringList decodes from a YAML sequence or a comma-separated string.
type StringList []string

func (l *StringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		*l = trimAll(items)
	case yaml.ScalarNode:
		if strings.TrimSpace(n.Value) == "" {
			*l = nil
			return nil
		}
		*l = trimAll(strings.Split(n.Value, ","))
	default:
		return fmt.Errorf("line %d: expected a list or comma-separated string", n.Line)
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Config describes one HTTP enrichment source. It is read-only once validated.
type Config struct {
	// Name identifies the source in logs and metrics when Type is empty.
	Name string `yaml:"name"`

	Endpoint      string     `yaml:"endpoint"`
	Verb          Verb       `yaml:"verb"`
	BodyPattern   string     `yaml:"bodyPattern"`
	BodyVariables StringList `yaml:"bodyVariables"`

	StreamTimeoutMs  int `yaml:"streamTimeout"`
	ConnectTimeoutMs int `yaml:"connectTimeout"`

	FailOnErrors bool `yaml:"failOnErrors"`

	// Type optionally names a schema contract used to type the extracted values.
	Type string `yaml:"type"`

	// Capacity is the maximum number of in-flight calls for this source.
	Capacity int `yaml:"capacity"`

	Headers       map[string]string `yaml:"headers"`
	OutputMapping OutputMappings    `yaml:"outputMapping"`
}

// ConfigError lists every missing and invalid field of a Config.
type ConfigError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required fields: ["+strings.Join(e.Missing, ", ")+"]")
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid fields: ["+strings.Join(e.Invalid, ", ")+"]")
	}
	if len(parts) == 0 {
		return "invalid config"
	}
	return strings.Join(parts, "; ")
}

// Validate checks every mandatory field and reports all problems in one *ConfigError.
func (c *Config) Validate() error {
	var e ConfigError
	if strings.TrimSpace(c.Endpoint) == "" {
		e.Missing = append(e.Missing, "endpoint")
	}
	switch {
	case c.Verb == "":
		e.Missing = append(e.Missing, "verb")
	case !c.Verb.Valid():
		e.Invalid = append(e.Invalid, fmt.Sprintf("verb %q", string(c.Verb)))
	}
	if strings.TrimSpace(c.BodyPattern) == "" {
		e.Missing = append(e.Missing, "bodyPattern")
	}
	if len(c.BodyVariables) == 0 {
		e.Missing = append(e.Missing, "bodyVariables")
	}
	switch {
	case c.StreamTimeoutMs == 0:
		e.Missing = append(e.Missing, "streamTimeout")
	case c.StreamTimeoutMs < 0:
		e.Invalid = append(e.Invalid, "streamTimeout")
	}
	switch {
	case c.ConnectTimeoutMs == 0:
		e.Missing = append(e.Missing, "connectTimeout")
	case c.ConnectTimeoutMs < 0:
		e.Invalid = append(e.Invalid, "connectTimeout")
	}
	if c.OutputMapping.Len() == 0 {
		e.Missing = append(e.Missing, "outputMapping")
	}
	pathMissing := false
	for _, name := range c.OutputMapping.names {
		if len(c.OutputMapping.byKey[name].Validate()) > 0 {
			pathMissing = true
		}
	}
	if pathMissing {
		e.Missing = append(e.Missing, "path")
	}
	if c.Capacity < 0 {
		e.Invalid = append(e.Invalid, "capacity")
	}
	if len(e.Missing) > 0 || len(e.Invalid) > 0 {
		return &e
	}
	return nil
}

// MandatoryFields returns the current values of the fields a source must carry.
func (c *Config) MandatoryFields() map[string]any {
	return map[string]any{
		"endpoint":       c.Endpoint,
		"verb":           string(c.Verb),
		"bodyPattern":    c.BodyPattern,
		"bodyVariables":  []string(c.BodyVariables),
		"streamTimeout":  c.StreamTimeoutMs,
		"connectTimeout": c.ConnectTimeoutMs,
		"failOnErrors":   c.FailOnErrors,
		"capacity":       c.Capacity,
		"outputMapping":  c.OutputMapping.Map(),
	}
}

// OutputColumns returns the output field names in declaration order.
func (c *Config) OutputColumns() []string { return c.OutputMapping.Names() }

// MetricGroup is the key events for this source are recorded under.
func (c *Config) MetricGroup() string {
	switch {
	case strings.TrimSpace(c.Type) != "":
		return "http." + strings.TrimSpace(c.Type)
	case strings.TrimSpace(c.Name) != "":
		return "http." + strings.TrimSpace(c.Name)
	default:
		return "http"
	}
}

// EffectiveCapacity returns Capacity, or DefaultCapacity when unset.
func (c *Config) EffectiveCapacity() int {
	if c.Capacity <= 0 {
		return DefaultCapacity
	}
	return c.Capacity
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.BodyVariables = append(StringList(nil), c.BodyVariables...)
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	out.OutputMapping = c.OutputMapping.clone()
	return &out
}

// LoadConfig decodes a single source from YAML (or JSON) and validates it.
func LoadConfig(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode http source config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
