// Package seed generates realistic envelopes for exercising an agent.
package seed

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/courier/courier/internal/envelope"
)

var severities = []string{"trace", "debug", "info", "warn", "error"}

var spanNames = []string{"app_startup", "screen_load", "network_request", "db_query", "image_decode", "checkout"}

// Generator produces envelopes for one fake device. The same seed yields the
// same sequence.
type Generator struct {
	faker    *gofakeit.Faker
	resource envelope.Resource
	now      func() time.Time
}

// NewGenerator returns a Generator. seed 0 picks a random seed.
func NewGenerator(seed int64, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	f := gofakeit.New(seed)
	return &Generator{
		faker: f,
		now:   now,
		resource: envelope.Resource{
			AppID:          f.AppName(),
			AppVersion:     f.AppVersion(),
			SDKVersion:     envelope.SchemaVersion,
			OSName:         f.RandomString([]string{"android", "ios", "linux"}),
			OSVersion:      fmt.Sprintf("%d.%d", f.Number(9, 17), f.Number(0, 9)),
			DeviceModel:    f.Word(),
			DeviceID:       f.UUID(),
			DeviceMemoryMB: int64(f.RandomInt([]int{2048, 4096, 8192})),
		},
	}
}

func (g *Generator) Resource() envelope.Resource { return g.resource }

func (g *Generator) metadata() envelope.Metadata {
	return envelope.Metadata{
		UserID:   g.faker.Username(),
		Locale:   g.faker.LanguageAbbreviation(),
		Timezone: g.faker.TimeZoneRegion(),
	}
}

// Session returns a session that ran for up to ten minutes and ended just
// now. Incomplete sessions have no end time and still-open spans.
func (g *Generator) Session(complete bool) envelope.Envelope[envelope.SessionData] {
	end := g.now().UnixMilli()
	start := end - int64(g.faker.Number(10, 600))*1000

	data := envelope.SessionData{
		SessionID:     g.faker.UUID(),
		StartTime:     start,
		LastHeartbeat: end,
		Properties: map[string]string{
			"screen": g.faker.RandomString(spanNames),
		},
	}
	spans := g.faker.Number(1, 5)
	for i := 0; i < spans; i++ {
		s := envelope.Span{
			SpanID:    g.faker.HexUint64()[2:],
			Name:      g.faker.RandomString(spanNames),
			StartTime: start + int64(i)*1000,
		}
		if complete || i < spans-1 {
			s.EndTime = s.StartTime + int64(g.faker.Number(5, 900))
			s.Status = envelope.SpanStatusOK
		}
		data.Spans = append(data.Spans, s)
	}
	if complete {
		data.EndTime = end
		data.EndState = envelope.EndStateNormal
	}
	return envelope.New(envelope.TypeSpans, g.resource, g.metadata(), data)
}

// Logs returns a batch of n log records.
func (g *Generator) Logs(n int) envelope.Envelope[envelope.LogBatch] {
	now := g.now().UnixMilli()
	batch := envelope.LogBatch{Logs: make([]envelope.Log, 0, n)}
	for i := 0; i < n; i++ {
		batch.Logs = append(batch.Logs, envelope.Log{
			Timestamp: now - int64(n-i)*100,
			Severity:  g.faker.RandomString(severities),
			Body:      g.faker.HackerPhrase(),
			Attributes: map[string]string{
				"http.url":    g.faker.URL(),
				"http.status": fmt.Sprint(g.faker.HTTPStatusCode()),
			},
		})
	}
	return envelope.New(envelope.TypeLogs, g.resource, g.metadata(), batch)
}

// Crash returns a native crash attributed to sessionID, which may be empty.
func (g *Generator) Crash(sessionID string) envelope.Envelope[envelope.CrashRecord] {
	frames := make([]string, g.faker.Number(3, 8))
	for i := range frames {
		frames[i] = fmt.Sprintf("#%02d 0x%012x %s.so", i, g.faker.Uint32(), g.faker.Word())
	}
	return envelope.New(envelope.TypeCrash, g.resource, g.metadata(), envelope.CrashRecord{
		CrashID:   g.faker.UUID(),
		SessionID: sessionID,
		Timestamp: g.now().UnixMilli(),
		Signal:    g.faker.RandomString([]string{"SIGSEGV", "SIGABRT", "SIGBUS", "SIGILL"}),
		Reason:    g.faker.RandomString([]string{"null pointer dereference", "abort called", "stack overflow"}),
		Frames:    frames,
	})
}
