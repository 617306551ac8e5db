// Package telemetry exports scheduler counters over OpenTelemetry. It
// subscribes to the event bus, so producers stay unaware of metrics.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"pubfleet/internal/admission"
	"pubfleet/internal/batch"
	"pubfleet/internal/eventbus"
	"pubfleet/internal/taskstore"
	"pubfleet/internal/worker"
	"pubfleet/pkg/logx"
)

const meterName = "pubfleet"

type Config struct {
	Enabled        bool
	ExportInterval time.Duration // default 1m
}

// Service owns the meter provider and the bus-to-counter pump.
type Service struct {
	cfg Config
	bus eventbus.Bus
	log logx.Logger

	// reader overrides the stdout periodic reader; tests inject a
	// manual reader here.
	reader sdkmetric.Reader

	provider *sdkmetric.MeterProvider
	unsub    func()
	done     chan struct{}

	tasksSubmitted   metric.Int64Counter
	tasksCompleted   metric.Int64Counter
	admissionDenied  metric.Int64Counter
	batchesSubmitted metric.Int64Counter
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithReader replaces the stdout exporter pipeline, used by tests.
func WithReader(r sdkmetric.Reader) Option {
	return func(s *Service) { s.reader = r }
}

func New(cfg Config, bus eventbus.Bus, opts ...Option) *Service {
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = time.Minute
	}
	s := &Service{
		cfg: cfg,
		bus: bus,
		log: logx.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start builds the meter provider, creates the counters and begins
// consuming bus events. No-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	reader := s.reader
	if reader == nil {
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(s.cfg.ExportInterval))
	}
	res := sdkresource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(meterName))
	s.provider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res))
	otel.SetMeterProvider(s.provider)

	meter := s.provider.Meter(meterName)
	var err error
	if s.tasksSubmitted, err = meter.Int64Counter("pubfleet.tasks.submitted",
		metric.WithDescription("Tasks handed to the dispatcher"),
		metric.WithUnit("{task}")); err != nil {
		return err
	}
	if s.tasksCompleted, err = meter.Int64Counter("pubfleet.tasks.completed",
		metric.WithDescription("Tasks that reached a terminal status"),
		metric.WithUnit("{task}")); err != nil {
		return err
	}
	if s.admissionDenied, err = meter.Int64Counter("pubfleet.admission.denied",
		metric.WithDescription("Admission acquires that exhausted their wait budget"),
		metric.WithUnit("{denial}")); err != nil {
		return err
	}
	if s.batchesSubmitted, err = meter.Int64Counter("pubfleet.batches.submitted",
		metric.WithDescription("Batch fan-out requests"),
		metric.WithUnit("{batch}")); err != nil {
		return err
	}

	events, unsub := s.bus.Subscribe(256)
	s.unsub = unsub
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				s.record(ctx, e)
			}
		}
	}()

	s.log.Info("telemetry: started",
		logx.Duration("export_interval", s.cfg.ExportInterval))
	return nil
}

func (s *Service) record(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeBatchSubmitted:
		data, ok := e.Data.(batch.SubmittedEvent)
		if !ok {
			return
		}
		s.batchesSubmitted.Add(ctx, 1)
		s.tasksSubmitted.Add(ctx, int64(data.Submitted))

	case eventbus.TypeTaskSucceeded, eventbus.TypeTaskFailed:
		data, ok := e.Data.(worker.TaskEvent)
		if !ok {
			return
		}
		s.tasksCompleted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", string(data.Status))))

	case eventbus.TypeTaskCancelled:
		data, ok := e.Data.(taskstore.CancelledEvent)
		if !ok {
			return
		}
		s.tasksCompleted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", string(data.Status))))

	case eventbus.TypeAdmissionDenied:
		data, ok := e.Data.(admission.Denied)
		if !ok {
			return
		}
		s.admissionDenied.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", string(data.Scope.Kind))))
	}
}

// Stop drains the pump and flushes the provider.
func (s *Service) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	if s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}
