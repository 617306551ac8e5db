package telemetry

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"pubfleet/internal/admission"
	"pubfleet/internal/batch"
	"pubfleet/internal/eventbus"
	"pubfleet/internal/taskstore"
	"pubfleet/internal/worker"
	"pubfleet/pkg/logx"
)

// counterValue sums every data point of one counter; -1 means the
// counter has not recorded yet.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s data = %T, want Sum[int64]", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return -1
}

// waitCounter polls until the counter reaches want; the bus pump is
// asynchronous.
func waitCounter(t *testing.T, reader *sdkmetric.ManualReader, name string, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got := counterValue(t, reader, name)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("counter %s = %d, want %d", name, got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServiceCountsBusEvents(t *testing.T) {
	bus := eventbus.New()
	reader := sdkmetric.NewManualReader()
	svc := New(Config{Enabled: true}, bus, WithReader(reader), WithLogger(logx.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		if err := svc.Stop(stopCtx); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	}()

	// A payload of the wrong shape is skipped, not counted.
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskSucceeded, Data: "garbage"})

	bus.Publish(eventbus.Event{Type: eventbus.TypeBatchSubmitted, Data: batch.SubmittedEvent{
		BatchID: "b1", TaskType: "publish_video", TotalCount: 4, Submitted: 3, Failed: 1,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskSucceeded, Data: worker.TaskEvent{
		TaskID: "t1", Status: taskstore.StatusSuccess,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: worker.TaskEvent{
		TaskID: "t2", Status: taskstore.StatusFailed,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskCancelled, Data: taskstore.CancelledEvent{
		TaskID: "t3", Status: taskstore.StatusCancelled,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeAdmissionDenied, Data: admission.Denied{
		Scope: admission.Account("acct-1"),
	}})

	waitCounter(t, reader, "pubfleet.batches.submitted", 1)
	waitCounter(t, reader, "pubfleet.tasks.submitted", 3)
	waitCounter(t, reader, "pubfleet.tasks.completed", 3)
	waitCounter(t, reader, "pubfleet.admission.denied", 1)
}

func TestServiceDisabledIsNoop(t *testing.T) {
	svc := New(Config{Enabled: false}, eventbus.New())
	if svc.Enabled() {
		t.Fatal("Enabled() = true, want false")
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
