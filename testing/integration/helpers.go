// Package integration exercises spanz end to end: tracer, collector,
// context propagation and the exporters together.
package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bangush/spanz"
)

// newPipeline returns a tracer whose reports land in a sync-mode collector.
func newPipeline(t *testing.T, cfg spanz.Config) (*spanz.Tracer, *spanz.Collector) {
	t.Helper()
	if cfg.Period == 0 {
		cfg.Period = time.Hour
	}
	tracer := spanz.New(spanz.WithConfig(cfg))
	collector := spanz.NewCollector(16)
	collector.SetSyncMode(true) // Enable synchronous collection for testing.
	tracer.OnReport(collector.Handle)
	t.Cleanup(func() {
		_ = tracer.Close()
		collector.Close()
	})
	return tracer, collector
}

// byName indexes the builders of all reports by name.
func byName(reports []spanz.Report) map[string]spanz.BuilderSnapshot {
	out := make(map[string]spanz.BuilderSnapshot)
	for _, r := range reports {
		for _, b := range r.Builders {
			out[b.Name] = b
		}
	}
	return out
}

// statusRecorder captures the response status for the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// middleware records one span per request, named after method and path.
// 5xx responses are recorded as failures.
func middleware(tracer *spanz.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, span := tracer.StartSpan(req.Context(), req.Method+" "+req.URL.Path)
		span.SetTag("http.method", req.Method)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req.WithContext(ctx))

		span.SetTag("http.status", fmt.Sprint(rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetError(fmt.Errorf("http status %d", rec.status))
		}
		span.Finish()
	})
}

// childSpan runs fn inside a span started from ctx.
func childSpan(ctx context.Context, tracer *spanz.Tracer, name string, fn func(context.Context) error) error {
	ctx, span := tracer.StartSpan(ctx, name)
	defer span.Finish()
	err := fn(ctx)
	span.SetError(err)
	return err
}
