// Package dispatch sends prompts to the model a routing decision names,
// retrying transient errors and moving to the next candidate when a model's
// call fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zen-systems/routegate/pkg/circuit"
	"github.com/zen-systems/routegate/pkg/provider"
	"github.com/zen-systems/routegate/pkg/routing"
	"github.com/zen-systems/routegate/pkg/telemetry"
)

// Router decides models and receives call outcomes.
type Router interface {
	GetModelWithFailures(ctx context.Context, req routing.Request, failed map[string]string) (routing.Decision, error)
	ReportOutcome(model string, success bool, reason string)
}

// Providers looks up providers by name.
type Providers interface {
	Provider(name string) (provider.Provider, bool)
}

// RetryConfig bounds retries of transient errors against one model.
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns 2 retries backing off 200ms..2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// CallReport describes the calls made to one model.
type CallReport struct {
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	Retries      int             `json:"retries"`
	FallbackUsed bool            `json:"fallback_used"`
	Usage        *provider.Usage `json:"usage,omitempty"`
	Error        string          `json:"error,omitempty"`
	ElapsedMs    int64           `json:"elapsed_ms"`
}

// Result is a successful ask.
type Result struct {
	Response *provider.Response `json:"response"`
	Decision routing.Decision   `json:"decision"`
	Reports  []CallReport       `json:"reports"`
}

// Dispatcher routes and sends prompts.
type Dispatcher struct {
	router    Router
	providers Providers
	retry     RetryConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// New creates a dispatcher.
func New(router Router, providers Providers, retry RetryConfig, opts ...Option) *Dispatcher {
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.MaxBackoff < retry.BaseBackoff {
		retry.MaxBackoff = retry.BaseBackoff
	}
	d := &Dispatcher{
		router:    router,
		providers: providers,
		retry:     retry,
		logger:    slog.Default(),
		tracer:    telemetry.Tracer(),
		sleep:     sleepWithContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ask routes req and sends prompt to the chosen model. When a model's call
// fails it is recorded as failed for this ask and routing is repeated, so
// the next candidate is tried. Every final per-model outcome is reported to
// the router. On failure the returned Result still carries the call reports.
func (d *Dispatcher) Ask(ctx context.Context, req routing.Request, prompt string) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "routegate.ask", trace.WithAttributes(
		attribute.String("role", req.Role.String()),
		attribute.String("mode", req.Mode.String()),
	))
	defer span.End()

	result := &Result{}
	failed := make(map[string]string)
	for {
		dec, err := d.router.GetModelWithFailures(ctx, req, failed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "routing failed")
			return result, err
		}
		result.Decision = dec

		p, ok := d.providers.Provider(dec.Provider)
		if !ok {
			failed[dec.ModelID] = fmt.Sprintf("provider %q not found", dec.Provider)
			d.logger.Warn("decided provider missing", "model", dec.ModelID, "provider", dec.Provider)
			continue
		}

		resp, report, err := d.call(ctx, p, dec, prompt, len(failed) > 0 || dec.FallbackUsed)
		result.Reports = append(result.Reports, report)
		if err == nil {
			result.Response = resp
			span.SetAttributes(attribute.String("model", dec.ModelID), attribute.Int("attempts", len(result.Reports)))
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.RecordError(ctxErr)
			span.SetStatus(codes.Error, "canceled")
			return result, ctxErr
		}
		failed[dec.ModelID] = err.Error()
		d.logger.Warn("model call failed, trying next candidate",
			"model", dec.ModelID, "provider", dec.Provider, "retries", report.Retries, "error", err)
	}
}

func (d *Dispatcher) call(ctx context.Context, p provider.Provider, dec routing.Decision, prompt string, fallback bool) (*provider.Response, CallReport, error) {
	model := provider.ParseModelID(dec.ModelID).Name
	report := CallReport{Model: dec.ModelID, Provider: p.Name(), FallbackUsed: fallback}
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "routegate.chat", trace.WithAttributes(
		attribute.String("model", dec.ModelID),
		attribute.String("provider", p.Name()),
	))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		report.Retries = attempt
		resp, err := p.Chat(ctx, model, prompt)
		if err == nil {
			report.Usage = resp.Usage
			report.ElapsedMs = time.Since(start).Milliseconds()
			d.router.ReportOutcome(dec.ModelID, true, "")
			span.SetAttributes(attribute.Int("retries", attempt))
			return resp, report, nil
		}

		lastErr = err
		if !provider.IsTransient(err) || attempt == d.retry.MaxRetries {
			break
		}
		backoff := circuit.Backoff(d.retry.BaseBackoff, d.retry.MaxBackoff, attempt+1)
		d.logger.Debug("transient provider error, retrying",
			"model", dec.ModelID, "attempt", attempt+1, "backoff", backoff.String(), "error", err)
		if err := d.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	if lastErr == nil {
		lastErr = errors.New("provider call failed")
	}
	report.Error = lastErr.Error()
	report.ElapsedMs = time.Since(start).Milliseconds()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "chat failed")
	if ctx.Err() == nil {
		d.router.ReportOutcome(dec.ModelID, false, lastErr.Error())
	}
	return nil, report, lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
