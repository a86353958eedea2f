package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/redact"
)

type InfluxConfig struct {
	URL         string `yaml:"url"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Token       string `yaml:"token"`
	Measurement string `yaml:"measurement"`
	// Tags lists record fields written as tags; every other non-null field is a field.
	Tags []string `yaml:"tags"`
	// TimeField optionally names a record field holding the point time (time.Time or unix ms).
	TimeField string        `yaml:"timeField"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Influx writes records as line-protocol points through the v2 write API.
type Influx struct {
	cfg    InfluxConfig
	client *http.Client
	tags   map[string]struct{}
	now    func() time.Time
}

func NewInflux(cfg InfluxConfig) (*Influx, error) {
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.Bucket) == "" || strings.TrimSpace(cfg.Measurement) == "" {
		return nil, errors.New("influx sink requires url, bucket and measurement")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	tags := make(map[string]struct{}, len(cfg.Tags))
	for _, t := range cfg.Tags {
		tags[t] = struct{}{}
	}
	return &Influx{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, tags: tags, now: time.Now}, nil
}

func (s *Influx) Write(ctx context.Context, rows []core.Output) error {
	var buf bytes.Buffer
	for _, row := range rows {
		s.appendPoint(&buf, row)
	}
	if buf.Len() == 0 {
		return nil
	}

	q := url.Values{}
	q.Set("org", s.cfg.Org)
	q.Set("bucket", s.cfg.Bucket)
	q.Set("precision", "ns")
	endpoint := strings.TrimRight(s.cfg.URL, "/") + "/api/v2/write?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+s.cfg.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("influx write: %s", redact.Secrets(err.Error()))
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("influx write: status=%s body=%s", resp.Status, redact.Truncate(b, 256))
	}
	return nil
}

// appendPoint writes one line. Rows without any field value are skipped.
func (s *Influx) appendPoint(buf *bytes.Buffer, row core.Output) {
	var tags, fields []string
	ts := s.now()
	for i, name := range row.Fields {
		if i >= len(row.Values) || row.Values[i] == nil {
			continue
		}
		v := row.Values[i]
		if name == s.cfg.TimeField && s.cfg.TimeField != "" {
			if t, ok := asTime(v); ok {
				ts = t
				continue
			}
		}
		if _, ok := s.tags[name]; ok {
			tags = append(tags, escapeKey(name)+"="+escapeKey(fmt.Sprint(v)))
			continue
		}
		if f, ok := fieldValue(v); ok {
			fields = append(fields, escapeKey(name)+"="+f)
		}
	}
	if len(fields) == 0 {
		return
	}
	sort.Strings(tags)
	buf.WriteString(escapeKey(s.cfg.Measurement))
	for _, t := range tags {
		buf.WriteByte(',')
		buf.WriteString(t)
	}
	buf.WriteByte(' ')
	buf.WriteString(strings.Join(fields, ","))
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatInt(ts.UnixNano(), 10))
	buf.WriteByte('\n')
}

var keyEscaper = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)

func escapeKey(s string) string { return keyEscaper.Replace(s) }

var stringEscaper = strings.NewReplacer(`"`, `\"`, `\`, `\\`)

func fieldValue(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return `"` + stringEscaper.Replace(x) + `"`, true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x) + "i", true
	case int32:
		return strconv.FormatInt(int64(x), 10) + "i", true
	case int64:
		return strconv.FormatInt(x, 10) + "i", true
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	default:
		return `"` + stringEscaper.Replace(fmt.Sprint(x)) + `"`, true
	}
}

func formatFloat(f float64, bits int) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	return strconv.FormatFloat(f, 'g', -1, bits), true
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case int64:
		return time.UnixMilli(x), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		return t, err == nil
	}
	return time.Time{}, false
}

func (s *Influx) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
