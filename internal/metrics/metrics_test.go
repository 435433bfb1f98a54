package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kvpipe/internal/config"
	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/pipeline"
	"github.com/roach88/kvpipe/internal/schema"
	"github.com/roach88/kvpipe/internal/store"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r)
	assert.NotNil(t, r.StepsTotal)
	assert.NotNil(t, r.RunDuration)
	assert.NotNil(t, r.GetPrometheusRegistry())
}

func TestDefaultRegistry(t *testing.T) {
	assert.Same(t, DefaultRegistry(), DefaultRegistry())
}

func TestObserveStep(t *testing.T) {
	r := NewRegistry()
	r.ObserveStep(pipeline.OpGet, pipeline.StatusOK, time.Millisecond)
	r.ObserveStep(pipeline.OpGet, pipeline.StatusOK, 2*time.Millisecond)
	r.ObserveStep(pipeline.OpAdd, pipeline.StatusError, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.StepsTotal.WithLabelValues("get", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StepsTotal.WithLabelValues("add", "error")))

	h, err := r.StepDuration.GetMetricWithLabelValues("get")
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, h.(interface{ Write(*dto.Metric) error }).Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.003, m.GetHistogram().GetSampleSum(), 1e-9)
}

func TestObserveRunAndScan(t *testing.T) {
	r := NewRegistry()
	r.ObserveRun(pipeline.StatusCommitted, 3, time.Millisecond)
	r.ObserveRun(pipeline.StatusAborted, 1, time.Millisecond)
	r.ObserveScan(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.RunsTotal.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RunsTotal.WithLabelValues("aborted")))

	expected := `
# HELP kvpipe_search_records Number of records collected per search step
# TYPE kvpipe_search_records histogram
kvpipe_search_records_bucket{le="0"} 0
kvpipe_search_records_bucket{le="1"} 0
kvpipe_search_records_bucket{le="10"} 1
kvpipe_search_records_bucket{le="100"} 1
kvpipe_search_records_bucket{le="1000"} 1
kvpipe_search_records_bucket{le="10000"} 1
kvpipe_search_records_bucket{le="+Inf"} 1
kvpipe_search_records_sum 4
kvpipe_search_records_count 1
`
	require.NoError(t, testutil.GatherAndCompare(r.GetPrometheusRegistry(),
		strings.NewReader(expected), "kvpipe_search_records"))
}

func TestCounters(t *testing.T) {
	r := NewRegistry()
	r.ObserveStep(pipeline.OpPut, pipeline.StatusOK, 0)
	r.ObserveStep(pipeline.OpGet, pipeline.StatusOK, 0)
	r.ObserveRun(pipeline.StatusCommitted, 2, 0)

	got, err := r.Counters()
	require.NoError(t, err)
	assert.Equal(t, []Sample{
		{Name: "kvpipe_pipeline_runs_total", Labels: map[string]string{"status": "committed"}, Value: 1},
		{Name: "kvpipe_pipeline_steps_total", Labels: map[string]string{"op": "get", "status": "ok"}, Value: 1},
		{Name: "kvpipe_pipeline_steps_total", Labels: map[string]string{"op": "put", "status": "ok"}, Value: 1},
	}, got)
}

func TestRegistry_ObservesPipeline(t *testing.T) {
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	cfg.Backend = kv.BackendBolt
	h, err := store.Open(context.Background(), cfg, "metrics", store.WithSetup(func(up *schema.Upgrade) error {
		return schema.DefineStore(up, "items", schema.Options{
			KeyPath: "id",
			Indexes: []schema.IndexOptions{{Name: "byCount", KeyPath: "count"}},
		})
	}))
	require.NoError(t, err)
	defer h.Close()

	r := NewRegistry()
	_, err = pipeline.Begin(h, []string{"items"}, pipeline.ReadWrite, pipeline.WithObserver(r)).
		Put(pipeline.Fixed(pipeline.Descriptor{Store: "items", Data: map[string]any{"id": "a", "count": 1}})).
		Search(pipeline.Fixed(pipeline.Descriptor{Store: "items", Index: "byCount", Key: 1})).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.StepsTotal.WithLabelValues("put", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StepsTotal.WithLabelValues("search", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RunsTotal.WithLabelValues("committed")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.ScanRecords))
}
