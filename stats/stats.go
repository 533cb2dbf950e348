package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "telegram-random-image-bot"

type Stats struct {
	mu sync.Mutex

	RunningSince time.Time

	GroupRequests   uint64
	PrivateRequests uint64

	Triggers        uint64
	ImagesSent      uint64
	NoImage         uint64
	SourceFailures  uint64
	FetchFailures   uint64
	SendFailures    uint64
	CleanupFailures uint64
	Busy            uint64
	Drained         uint64

	counters map[string]metric.Int64Counter
}

type Option func(*options)

type options struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider mirrors counters to mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

func NewStats(opts ...Option) *Stats {
	o := options{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stats{
		RunningSince: time.Now(),
		counters:     make(map[string]metric.Int64Counter),
	}

	meter := o.meterProvider.Meter(meterName)
	for _, name := range []string{
		"group_requests", "private_requests",
		"triggers", "images_sent", "no_image", "source_failures",
		"fetch_failures", "send_failures", "cleanup_failures", "busy", "drained",
	} {
		ctr, err := meter.Int64Counter("bot." + name)
		if err != nil {
			sentry.CaptureException(err)

			continue
		}
		s.counters[name] = ctr
	}

	return s
}

func (s *Stats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return json.Marshal(struct {
		Uptime string `json:"uptime"`

		GroupRequests   uint64 `json:"group_requests"`
		PrivateRequests uint64 `json:"private_requests"`

		Triggers        uint64 `json:"triggers"`
		ImagesSent      uint64 `json:"images_sent"`
		NoImage         uint64 `json:"no_image"`
		SourceFailures  uint64 `json:"source_failures"`
		FetchFailures   uint64 `json:"fetch_failures"`
		SendFailures    uint64 `json:"send_failures"`
		CleanupFailures uint64 `json:"cleanup_failures"`
		Busy            uint64 `json:"busy"`
		Drained         uint64 `json:"drained"`
	}{
		Uptime: time.Since(s.RunningSince).Round(time.Second).String(),

		GroupRequests:   s.GroupRequests,
		PrivateRequests: s.PrivateRequests,

		Triggers:        s.Triggers,
		ImagesSent:      s.ImagesSent,
		NoImage:         s.NoImage,
		SourceFailures:  s.SourceFailures,
		FetchFailures:   s.FetchFailures,
		SendFailures:    s.SendFailures,
		CleanupFailures: s.CleanupFailures,
		Busy:            s.Busy,
		Drained:         s.Drained,
	})
}

func (s *Stats) String() string {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		sentry.CaptureException(err)

		return "{\"error\": \"cannot serialize stats\"}"
	}

	return string(data)
}

func (s *Stats) inc(name string, field *uint64, n uint64) {
	s.mu.Lock()
	*field += n
	s.mu.Unlock()

	if ctr, ok := s.counters[name]; ok {
		ctr.Add(context.Background(), int64(n))
	}
}

func (s *Stats) GroupRequest() {
	s.inc("group_requests", &s.GroupRequests, 1)
}

func (s *Stats) PrivateRequest() {
	s.inc("private_requests", &s.PrivateRequests, 1)
}

func (s *Stats) Trigger() {
	s.inc("triggers", &s.Triggers, 1)
}

func (s *Stats) ImageSent() {
	s.inc("images_sent", &s.ImagesSent, 1)
}

func (s *Stats) NoImageAvailable() {
	s.inc("no_image", &s.NoImage, 1)
}

func (s *Stats) SourceFailure() {
	s.inc("source_failures", &s.SourceFailures, 1)
}

func (s *Stats) FetchFailure() {
	s.inc("fetch_failures", &s.FetchFailures, 1)
}

func (s *Stats) SendFailure() {
	s.inc("send_failures", &s.SendFailures, 1)
}

func (s *Stats) CleanupFailure() {
	s.inc("cleanup_failures", &s.CleanupFailures, 1)
}

func (s *Stats) BusyRejection() {
	s.inc("busy", &s.Busy, 1)
}

// ImagesDrained counts entries removed by bulk cleanup.
func (s *Stats) ImagesDrained(n int) {
	if n <= 0 {
		return
	}
	s.inc("drained", &s.Drained, uint64(n))
}
