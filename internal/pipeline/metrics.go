package pipeline

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-speech/pipeline"

type instruments struct {
	tracer     trace.Tracer
	jobs       metric.Int64Counter
	duration   metric.Float64Histogram
	firstAudio metric.Float64Histogram
}

var loadInstruments = sync.OnceValue(func() *instruments {
	meter := otel.Meter(instrumentationName)
	in := &instruments{tracer: otel.Tracer(instrumentationName)}
	// Instrument errors only occur for invalid names; the no-op fallbacks keep recording safe.
	in.jobs, _ = meter.Int64Counter("loqa.tts.jobs", metric.WithDescription("Synthesis jobs by final state"))
	in.duration, _ = meter.Float64Histogram("loqa.tts.synthesis.duration_ms",
		metric.WithDescription("Backend synthesis latency per sentence"), metric.WithUnit("ms"))
	in.firstAudio, _ = meter.Float64Histogram("loqa.tts.first_audio_ms",
		metric.WithDescription("Time from run start to first delivered audio"), metric.WithUnit("ms"))
	return in
})

func (in *instruments) recordJob(ctx context.Context, state State) {
	if in.jobs == nil {
		return
	}
	in.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}

func (in *instruments) recordDuration(ctx context.Context, d time.Duration, state State) {
	if in.duration == nil {
		return
	}
	in.duration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attribute.String("state", state.String())))
}

func (in *instruments) recordFirstAudio(ctx context.Context, d time.Duration) {
	if in.firstAudio == nil {
		return
	}
	in.firstAudio.Record(ctx, float64(d)/float64(time.Millisecond))
}
