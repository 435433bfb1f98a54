package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/kvpipe/internal/config"
	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/schema"
	"github.com/roach88/kvpipe/internal/store"
)

func itemsSetup(up *schema.Upgrade) error {
	if err := schema.DefineStore(up, "items", schema.Options{
		KeyPath: "id",
		Indexes: []schema.IndexOptions{{Name: "byCount", KeyPath: "count"}},
	}); err != nil {
		return err
	}
	if err := schema.DefineStore(up, "items2", schema.Options{KeyPath: "id"}); err != nil {
		return err
	}
	return schema.DefineStore(up, "notes", schema.Options{AutoIncrement: true})
}

func openHandle(t *testing.T, b kv.Backend) *store.Handle {
	t.Helper()
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	cfg.Backend = b
	h, err := store.Open(context.Background(), cfg, "pipeline", store.WithSetup(itemsSetup))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func seed(t *testing.T, h *store.Handle, storeName string, records ...map[string]any) {
	t.Helper()
	p := Begin(h, []string{storeName}, ReadWrite)
	for _, rec := range records {
		p.Add(Fixed(Descriptor{Store: storeName, Data: rec}))
	}
	_, err := p.Run(context.Background())
	require.NoError(t, err)
}

type recordingObserver struct {
	mu    sync.Mutex
	steps []string
	runs  []string
	scans []int
}

func (o *recordingObserver) ObserveStep(op Op, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, op.String()+":"+status)
}

func (o *recordingObserver) ObserveRun(status string, steps int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, status)
}

func (o *recordingObserver) ObserveScan(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scans = append(o.scans, n)
}
