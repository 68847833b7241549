package observability

import (
	"context"
	"errors"
	"time"

	"quotaengine/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStore wraps a storage.Store with a span, a latency histogram
// and an error counter per call.
type InstrumentedStore struct {
	inner    storage.Store
	backend  string
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedStore wraps inner. backend names the storage type on every
// span and data point.
func NewInstrumentedStore(inner storage.Store, backend string) (*InstrumentedStore, error) {
	meter := otel.Meter(instrumentationName + "/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of durable store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of failed durable store operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:    inner,
		backend:  backend,
		tracer:   otel.Tracer(instrumentationName + "/storage"),
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := s.start(ctx, "Get", key)
	begin := time.Now()
	value, err := s.inner.Get(ctx, key)
	s.finish(ctx, span, "Get", begin, err)
	return value, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte) error {
	ctx, span := s.start(ctx, "Put", key, attribute.Int("storage.value_bytes", len(value)))
	begin := time.Now()
	err := s.inner.Put(ctx, key, value)
	s.finish(ctx, span, "Put", begin, err)
	return err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	ctx, span := s.start(ctx, "Delete", key)
	begin := time.Now()
	err := s.inner.Delete(ctx, key)
	s.finish(ctx, span, "Delete", begin, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, span := s.start(ctx, "List", prefix)
	begin := time.Now()
	keys, err := s.inner.List(ctx, prefix)
	span.SetAttributes(attribute.Int("storage.keys", len(keys)))
	s.finish(ctx, span, "List", begin, err)
	return keys, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span := s.start(ctx, "Ping", "")
	begin := time.Now()
	err := s.inner.Ping(ctx)
	s.finish(ctx, span, "Ping", begin, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

func (s *InstrumentedStore) start(ctx context.Context, op, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("storage.operation", op),
		attribute.String("storage.backend", s.backend),
	)
	if key != "" {
		attrs = append(attrs, attribute.String("storage.key", key))
	}
	return s.tracer.Start(ctx, "storage."+op, trace.WithAttributes(attrs...))
}

// finish records the call. A missing key is an expected answer, not a failure.
func (s *InstrumentedStore) finish(ctx context.Context, span trace.Span, op string, begin time.Time, err error) {
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("backend", s.backend),
	)
	s.duration.Record(ctx, time.Since(begin).Seconds(), attrs)

	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
