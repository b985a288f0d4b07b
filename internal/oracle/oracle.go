// Package oracle derives the editable-flag set from the remotely evaluated
// preview-mode flag.
//
// The designated flag is string-typed and holds a comma-separated list of
// flag keys this service may mutate. Every failure mode (provider never
// initialised, network error, empty value) degrades to the empty set, so the
// service fails closed rather than allowing unrestricted writes.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/open-feature/go-sdk-contrib/providers/ofrep"
	"github.com/open-feature/go-sdk/openfeature"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultPreviewFlagKey is the flag consulted for edit permissions.
	DefaultPreviewFlagKey = "enable-preview-mode"

	// DefaultTimeout bounds a single oracle evaluation so a stalled
	// evaluation endpoint cannot stall targeting requests.
	DefaultTimeout = 2 * time.Second
)

// PermissionSource reports which flag keys are currently editable. An empty
// result means no flag may be mutated; implementations never return an error.
type PermissionSource interface {
	EditableFlags(ctx context.Context) []string
}

// Denied is the fail-closed source installed when the OFREP provider could
// not be initialised at startup.
type Denied struct{}

func (Denied) EditableFlags(context.Context) []string { return nil }

// StringEvaluator is the slice of the OpenFeature client the oracle needs.
type StringEvaluator interface {
	StringValue(ctx context.Context, flag string, defaultValue string, evalCtx openfeature.EvaluationContext, options ...openfeature.Option) (string, error)
}

// Oracle evaluates the preview-mode flag through an OpenFeature client and
// parses its value into the editable-flag set.
type Oracle struct {
	client    StringEvaluator
	flagKey   string
	log       *slog.Logger
	tracer    trace.Tracer
	onOutcome func(outcome string)
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithFlagKey overrides the evaluated flag key.
func WithFlagKey(key string) Option {
	return func(o *Oracle) {
		if strings.TrimSpace(key) != "" {
			o.flagKey = key
		}
	}
}

// WithLogger sets the logger used for degraded evaluations.
func WithLogger(log *slog.Logger) Option {
	return func(o *Oracle) {
		if log != nil {
			o.log = log
		}
	}
}

// WithOutcomeHook registers a callback invoked with "ok", "empty", or
// "error" after each evaluation, for metrics.
func WithOutcomeHook(fn func(outcome string)) Option {
	return func(o *Oracle) {
		o.onOutcome = fn
	}
}

// NewOFREP registers the OFREP provider for the given endpoint and returns an
// oracle bound to a fresh OpenFeature client. Registration failure is
// returned to the caller, who should fall back to Denied.
func NewOFREP(endpoint string, opts ...Option) (*Oracle, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("OFREP endpoint is empty")
	}

	provider := ofrep.NewProvider(endpoint)
	if err := openfeature.SetProviderAndWait(provider); err != nil {
		return nil, fmt.Errorf("register OFREP provider: %w", err)
	}

	return New(openfeature.NewClient("flags-api"), opts...), nil
}

// New builds an oracle around an existing evaluator.
func New(client StringEvaluator, opts ...Option) *Oracle {
	o := &Oracle{
		client:    client,
		flagKey:   DefaultPreviewFlagKey,
		log:       slog.Default(),
		tracer:    otel.Tracer("flags-api/oracle"),
		onOutcome: func(string) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EditableFlags evaluates the preview-mode flag and parses the result.
// Evaluation failures are logged and degrade to the empty set.
func (o *Oracle) EditableFlags(ctx context.Context) []string {
	ctx, span := o.tracer.Start(ctx, "oracle.editableFlags")
	defer span.End()

	value, err := o.client.StringValue(ctx, o.flagKey, "", openfeature.EvaluationContext{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.log.WarnContext(ctx, "preview-mode evaluation failed, treating all flags as locked",
			"flagKey", o.flagKey, "error", err)
		o.onOutcome("error")
		return nil
	}

	flags := ParseFlagList(value)
	if len(flags) == 0 {
		o.onOutcome("empty")
		return nil
	}

	o.onOutcome("ok")
	return flags
}

// ParseFlagList splits a comma-separated flag-key list, trimming surrounding
// whitespace and discarding empty segments.
func ParseFlagList(value string) []string {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	flags := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			flags = append(flags, trimmed)
		}
	}
	return flags
}

type timeoutSource struct {
	src     PermissionSource
	timeout time.Duration
}

// Timeout bounds every EditableFlags call on src. A deadline hit surfaces as
// an evaluation error inside src, which degrades to the empty set.
func Timeout(src PermissionSource, timeout time.Duration) PermissionSource {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutSource{src: src, timeout: timeout}
}

func (t *timeoutSource) EditableFlags(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.src.EditableFlags(ctx)
}

type cachedSource struct {
	src PermissionSource
	ttl time.Duration

	mu      sync.Mutex
	flags   []string
	fetched time.Time
}

// Cache memoises non-empty results from src for ttl, cutting per-request
// oracle chatter. A ttl <= 0 disables caching. Empty results are never
// cached, so a recovered oracle takes effect on the next request.
func Cache(src PermissionSource, ttl time.Duration) PermissionSource {
	if ttl <= 0 {
		return src
	}
	return &cachedSource{src: src, ttl: ttl}
}

func (c *cachedSource) EditableFlags(ctx context.Context) []string {
	c.mu.Lock()
	if len(c.flags) > 0 && time.Since(c.fetched) < c.ttl {
		flags := c.flags
		c.mu.Unlock()
		return flags
	}
	c.mu.Unlock()

	flags := c.src.EditableFlags(ctx)

	c.mu.Lock()
	if len(flags) > 0 {
		c.flags = flags
		c.fetched = time.Now()
	} else {
		c.flags = nil
	}
	c.mu.Unlock()

	return flags
}
