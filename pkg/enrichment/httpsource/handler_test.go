package httpsource_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/enrichment/httpsource"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/enrichment/jsonpath"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/metrics"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/record"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/schema"
)

// stubDispatcher answers every request with a fixed response.
type stubDispatcher struct {
	resp  httpsource.Response
	async bool

	mu   sync.Mutex
	reqs []httpsource.Request
}

func (d *stubDispatcher) Submit(_ context.Context, req httpsource.Request, done func(httpsource.Response)) {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	d.mu.Unlock()
	if d.async {
		go done(d.resp)
		return
	}
	done(d.resp)
}

func (d *stubDispatcher) Capacity() int { return 1 }
func (d *stubDispatcher) Close() error  { return nil }

func (d *stubDispatcher) requests() []httpsource.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]httpsource.Request(nil), d.reqs...)
}

type fixture struct {
	idx     *record.FieldIndex
	stage   *httpsource.Stage
	disp    *stubDispatcher
	metrics *metrics.Registry
}

func newFixture(t *testing.T, cfg *httpsource.Config, resp httpsource.Response, contracts map[string]schema.Contract) fixture {
	t.Helper()
	idx := newIndex(t, []string{"order_id", "customer_id"}, cfg.OutputColumns())
	disp := &stubDispatcher{resp: resp, async: true}
	reg := metrics.NewRegistry()
	stage, err := httpsource.NewStage(cfg, idx, httpsource.StageOptions{
		Dispatcher: disp,
		Metrics:    reg,
		Contracts:  contracts,
	})
	require.NoError(t, err)
	return fixture{idx: idx, stage: stage, disp: disp, metrics: reg}
}

func (f fixture) enrich(t *testing.T) (view, got *record.View, err error) {
	t.Helper()
	view = newView(t, f.idx, "o-1", "123456")
	fut := record.NewFuture()
	f.stage.Enrich(context.Background(), view, fut)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err = fut.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "record never completed")
	require.Zero(t, fut.Violations())
	return view, got, err
}

func TestStage_SurgeRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validConfig(), httpsource.Response{StatusCode: 200, Body: []byte(`{"surge": 0.732}`)}, nil)
	view, got, err := f.enrich(t)
	require.NoError(t, err)
	require.Same(t, view, got)

	v, err := got.Output(0)
	require.NoError(t, err)
	assert.Equal(t, 0.732, v)

	assert.Equal(t, int64(1), f.metrics.Count("http.surge", metrics.EventSuccess))
	assert.Equal(t, int64(0), f.metrics.Count("http.surge", metrics.EventTotalFailed))
	assert.Equal(t, int64(1), f.metrics.Samples("http.surge", metrics.HistogramResponseTime))

	reqs := f.disp.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, `{"customer_id": "123456"}`, string(reqs[0].Body))
}

func TestStage_MultipleMappingsWithContract(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.OutputMapping = httpsource.NewOutputMappings(
		"surge_factor", "$.surge",
		"s2_id_level", "$.s2.level",
		"driver", "$.drivers[1]",
	)
	contracts := map[string]schema.Contract{
		"surge": {Name: "surge", Fields: []schema.Field{
			{Name: "surge_factor", Type: schema.FieldTypeFloat},
			{Name: "s2_id_level", Type: schema.FieldTypeInt},
			{Name: "driver", Type: schema.FieldTypeString},
		}},
	}
	body := `{"surge": 0.732, "s2": {"level": 13}, "drivers": ["a", "b"]}`
	f := newFixture(t, cfg, httpsource.Response{StatusCode: 200, Body: []byte(body)}, contracts)

	_, got, err := f.enrich(t)
	require.NoError(t, err)
	assert.Equal(t, []any{float32(0.732), int32(13), "b"}, got.Row().Output)
}

func TestStage_ContractMustCoverMappings(t *testing.T) {
	t.Parallel()

	idx := newIndex(t, []string{"customer_id"}, []string{"surge_factor"})
	_, err := httpsource.NewStage(validConfig(), idx, httpsource.StageOptions{
		Dispatcher: &stubDispatcher{},
		Contracts: map[string]schema.Contract{
			"surge": {Name: "surge", Fields: []schema.Field{{Name: "other", Type: schema.FieldTypeDouble}}},
		},
	})
	var ce *httpsource.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestStage_ConstructionErrors(t *testing.T) {
	t.Parallel()

	idx := newIndex(t, []string{"customer_id"}, []string{"surge_factor"})

	_, err := httpsource.NewStage(&httpsource.Config{}, idx, httpsource.StageOptions{Dispatcher: &stubDispatcher{}})
	var ce *httpsource.ConfigError
	require.ErrorAs(t, err, &ce)

	cfg := validConfig()
	cfg.OutputMapping = httpsource.NewOutputMappings("not_an_output", "$.surge")
	_, err = httpsource.NewStage(cfg, idx, httpsource.StageOptions{Dispatcher: &stubDispatcher{}})
	var unknown *record.UnknownFieldError
	require.ErrorAs(t, err, &unknown)

	cfg = validConfig()
	cfg.OutputMapping = httpsource.NewOutputMappings("surge_factor", "$.surge[")
	_, err = httpsource.NewStage(cfg, idx, httpsource.StageOptions{Dispatcher: &stubDispatcher{}})
	require.ErrorAs(t, err, &ce)
}

func TestStage_FailPolicyMatrix(t *testing.T) {
	t.Parallel()

	responses := map[string]struct {
		resp  httpsource.Response
		event metrics.Event
		kind  httpsource.OutcomeKind
	}{
		"4xx":       {resp: httpsource.Response{StatusCode: 404, Body: []byte("not found")}, event: metrics.EventClientError, kind: httpsource.OutcomeClientError},
		"5xx":       {resp: httpsource.Response{StatusCode: 502}, event: metrics.EventServerError, kind: httpsource.OutcomeServerError},
		"other":     {resp: httpsource.Response{StatusCode: 302}, event: metrics.EventOtherStatus, kind: httpsource.OutcomeOtherStatus},
		"transport": {resp: httpsource.Response{Err: errors.New("connection refused")}, event: metrics.EventTransportFailure, kind: httpsource.OutcomeTransportFailure},
	}

	for name, tc := range responses {
		for _, failOnErrors := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/failOnErrors=%v", name, failOnErrors), func(t *testing.T) {
				cfg := validConfig()
				cfg.FailOnErrors = failOnErrors
				f := newFixture(t, cfg, tc.resp, nil)

				view, got, err := f.enrich(t)
				if failOnErrors {
					var fe *httpsource.FailureError
					require.ErrorAs(t, err, &fe)
					assert.Equal(t, tc.kind, fe.Kind)
					assert.Equal(t, tc.resp.StatusCode, fe.StatusCode)
					assert.Nil(t, got)
				} else {
					require.NoError(t, err)
					require.Same(t, view, got)
					assert.Equal(t, []any{nil}, got.Row().Output, "output stays at defaults")
				}

				assert.Equal(t, int64(1), f.metrics.Count("http.surge", tc.event))
				assert.Equal(t, int64(1), f.metrics.Count("http.surge", metrics.EventTotalFailed))
				assert.Equal(t, int64(0), f.metrics.Count("http.surge", metrics.EventSuccess))
				assert.Equal(t, int64(1), f.metrics.Samples("http.surge", metrics.HistogramResponseTime))
			})
		}
	}
}

func TestStage_PathFailureLeavesOutputUntouched(t *testing.T) {
	t.Parallel()

	for _, failOnErrors := range []bool{false, true} {
		cfg := validConfig()
		cfg.FailOnErrors = failOnErrors
		cfg.OutputMapping = httpsource.NewOutputMappings("surge_factor", "$.surge", "s2_id_level", "$.wrong_path")
		f := newFixture(t, cfg, httpsource.Response{StatusCode: 200, Body: []byte(`{"surge": 0.732}`)}, nil)

		view, got, err := f.enrich(t)
		if failOnErrors {
			var ee *httpsource.ExtractionError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, "s2_id_level", ee.Field)
			var nf *jsonpath.PathNotFoundError
			require.ErrorAs(t, err, &nf)
		} else {
			require.NoError(t, err)
			require.Same(t, view, got)
		}
		assert.Equal(t, []any{nil, nil}, view.Row().Output)
		assert.Equal(t, int64(1), f.metrics.Count("http.surge", metrics.EventPathReadingFailed))
		assert.Equal(t, int64(1), f.metrics.Count("http.surge", metrics.EventTotalFailed))
		assert.Equal(t, int64(0), f.metrics.Count("http.surge", metrics.EventSuccess))
		assert.Equal(t, int64(1), f.metrics.Samples("http.surge", metrics.HistogramResponseTime))
	}
}

func TestStage_NarrowRowIsNotHalfWritten(t *testing.T) {
	t.Parallel()

	for _, failOnErrors := range []bool{false, true} {
		cfg := validConfig()
		cfg.FailOnErrors = failOnErrors
		cfg.OutputMapping = httpsource.NewOutputMappings("surge_factor", "$.surge", "s2_id_level", "$.level")
		f := newFixture(t, cfg, httpsource.Response{StatusCode: 200, Body: []byte(`{"surge": 0.7, "level": 12}`)}, nil)

		// One output position where the stage writes two.
		view := record.NewView(record.NewRow([]any{"o-1", "1"}, 1))
		fut := record.NewFuture()
		f.stage.Enrich(context.Background(), view, fut)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		got, err := fut.Wait(ctx)
		cancel()
		if failOnErrors {
			require.Error(t, err)
			assert.NotErrorIs(t, err, context.DeadlineExceeded)
			assert.Nil(t, got)
		} else {
			require.NoError(t, err)
			require.Same(t, view, got)
		}
		assert.Equal(t, []any{nil}, view.Row().Output)
		assert.Equal(t, int64(1), f.metrics.Count("http.surge", metrics.EventTotalFailed))
		assert.Equal(t, int64(0), f.metrics.Count("http.surge", metrics.EventSuccess))
	}
}

func TestStage_CanceledContextFailsOpenRecord(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.FailOnErrors = false
	f := newFixture(t, cfg, httpsource.Response{Err: context.Canceled}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	view := newView(t, f.idx, "o-1", "123456")
	fut := record.NewFuture()
	f.stage.Enrich(ctx, view, fut)

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	got, err := fut.Wait(wctx)
	var fe *httpsource.FailureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, httpsource.OutcomeTransportFailure, fe.Kind)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), f.metrics.Count("http.surge", metrics.EventTransportFailure))

	// The same transport failure on a live context still passes through.
	_, got, err = f.enrich(t)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestNewStage_LogsRedactedHeaders(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)
	cfg := validConfig()
	cfg.Headers = map[string]string{"Authorization": "Bearer s3cr3t-token", "X-Tenant": "acme"}
	idx := newIndex(t, []string{"order_id", "customer_id"}, cfg.OutputColumns())
	_, err := httpsource.NewStage(cfg, idx, httpsource.StageOptions{Dispatcher: &stubDispatcher{}, Logger: &log})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "http source ready")
	assert.Contains(t, out, `"header_names":["Authorization","X-Tenant"]`)
	assert.Contains(t, out, `"Authorization":"<redacted>"`)
	assert.Contains(t, out, `"X-Tenant":"acme"`)
	assert.NotContains(t, out, "s3cr3t-token")
}

func TestStage_InvalidJSONIsPathFailure(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.FailOnErrors = true
	f := newFixture(t, cfg, httpsource.Response{StatusCode: 200, Body: []byte(`<html>`)}, nil)

	_, _, err := f.enrich(t)
	var ee *httpsource.ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, int64(1), f.metrics.Count("http.surge", metrics.EventPathReadingFailed))
}

func TestStage_BuildFailureCompletesOnce(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.FailOnErrors = true
	f := newFixture(t, cfg, httpsource.Response{StatusCode: 200}, nil)

	// A row narrower than the index cannot supply customer_id.
	view := record.NewView(record.NewRow([]any{"o-1"}, 1))
	fut := record.NewFuture()
	f.stage.Enrich(context.Background(), view, fut)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := fut.Wait(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.disp.requests())
	assert.Equal(t, int64(1), f.metrics.Count("http.surge", metrics.EventTotalFailed))
	assert.Equal(t, int64(1), f.metrics.Samples("http.surge", metrics.HistogramResponseTime))
}

func TestHandler_IgnoresDuplicateDelivery(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	idx := newIndex(t, []string{"order_id", "customer_id"}, cfg.OutputColumns())
	disp := &stubDispatcher{resp: httpsource.Response{StatusCode: 200, Body: []byte(`{"surge": 1.5}`)}}
	reg := metrics.NewRegistry()
	stage, err := httpsource.NewStage(cfg, idx, httpsource.StageOptions{Dispatcher: disp, Metrics: reg})
	require.NoError(t, err)

	fut := record.NewFuture()
	h := stage.Handle(context.Background(), newView(t, idx, "o-1", "1"), fut)
	assert.Equal(t, httpsource.StateCompleted, h.State())

	h.OnResponse(httpsource.Response{StatusCode: 500})
	h.Start(context.Background())

	assert.Equal(t, 0, fut.Violations())
	assert.Len(t, disp.requests(), 1)
	assert.Equal(t, int64(1), reg.Count("http.surge", metrics.EventSuccess))
	assert.Equal(t, int64(0), reg.Count("http.surge", metrics.EventServerError))
	assert.Equal(t, int64(1), reg.Samples("http.surge", metrics.HistogramResponseTime))
}

// Every non-success response yields one specific counter, one total-failed and one latency
// sample, and the record completes according to the fail policy.
func TestStage_NonSuccessProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		status := rapid.SampledFrom([]int{100, 204, 301, 400, 401, 429, 500, 503, 599, 700}).Draw(rt, "status")
		failOnErrors := rapid.Bool().Draw(rt, "failOnErrors")
		records := rapid.IntRange(1, 20).Draw(rt, "records")

		cfg := validConfig()
		cfg.FailOnErrors = failOnErrors
		idx, err := record.NewFieldIndex([]string{"order_id", "customer_id"}, cfg.OutputColumns())
		if err != nil {
			rt.Fatal(err)
		}
		reg := metrics.NewRegistry()
		stage, err := httpsource.NewStage(cfg, idx, httpsource.StageOptions{
			Dispatcher: &stubDispatcher{resp: httpsource.Response{StatusCode: status, Body: []byte(`{"surge": 2}`)}, async: true},
			Metrics:    reg,
		})
		if err != nil {
			rt.Fatal(err)
		}

		futures := make([]*record.Future, records)
		for i := range futures {
			row, _ := idx.NewRow([]any{"o", "c"})
			futures[i] = record.NewFuture()
			stage.Enrich(context.Background(), record.NewView(row), futures[i])
		}
		failed := 0
		for _, fut := range futures {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, err := fut.Wait(ctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				rt.Fatal("record never completed")
			}
			if err != nil {
				failed++
			}
			if fut.Violations() != 0 {
				rt.Fatalf("record completed %d extra times", fut.Violations())
			}
		}

		kind := httpsource.Classify(httpsource.Response{StatusCode: status}).Kind
		n := int64(records)
		if kind == httpsource.OutcomeSuccess {
			if failed != 0 || reg.Count("http.surge", metrics.EventSuccess) != n {
				rt.Fatalf("status %d: expected %d successes", status, records)
			}
		} else {
			if reg.Count("http.surge", kind.Event()) != n || reg.Count("http.surge", metrics.EventTotalFailed) != n {
				rt.Fatalf("status %d: counters %v", status, reg.Snapshot())
			}
			wantFailed := 0
			if failOnErrors {
				wantFailed = records
			}
			if failed != wantFailed {
				rt.Fatalf("status %d failOnErrors=%v: %d failed, want %d", status, failOnErrors, failed, wantFailed)
			}
		}
		if reg.Samples("http.surge", metrics.HistogramResponseTime) != n {
			rt.Fatalf("expected %d latency samples", records)
		}
	})
}
