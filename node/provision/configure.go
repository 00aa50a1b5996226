package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"meshnode"
	"meshnode/internal/telemetry"
)

const DefaultStepTimeout = 10 * time.Second

var ErrConfiguration = errors.New("configuration failed")

// Step names one configuration step.
type Step string

const (
	StepAddNetKey  Step = "add-net-key"
	StepAddAppKey  Step = "add-app-key"
	StepBindClient Step = "bind-client"
	StepBindServer Step = "bind-server"
)

// StepError reports the step that stopped configuration. Status is the last
// status the stack returned; Err is the call error, if any.
type StepError struct {
	Step   Step
	Status meshnode.StatusCode
	Err    error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration step %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("configuration step %s: status %s", e.Step, e.Status)
}

func (e *StepError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

type ConfigOption func(*Configurator)

func WithStepTimeout(d time.Duration) ConfigOption {
	return func(c *Configurator) { c.stepTimeout = d }
}

func WithConfigTracer(t trace.Tracer) ConfigOption {
	return func(c *Configurator) { c.tracer = t }
}

// Configurator installs keys on the local node and binds the application key
// to the local OnOff client and server models.
type Configurator struct {
	stack       KeyConfigurer
	keys        meshnode.Keys
	client      meshnode.ModelRef
	server      meshnode.ModelRef
	stepTimeout time.Duration
	tracer      trace.Tracer
}

func NewConfigurator(stack KeyConfigurer, keys meshnode.Keys, client, server meshnode.ModelRef, opts ...ConfigOption) *Configurator {
	c := &Configurator{
		stack:       stack,
		keys:        keys,
		client:      client,
		server:      server,
		stepTimeout: DefaultStepTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type configStep struct {
	step    Step
	title   string
	retries int
	run     func(ctx context.Context) (meshnode.StatusCode, error)
}

func (c *Configurator) steps() []configStep {
	appIndex := c.keys.App.Index
	return []configStep{
		{step: StepAddNetKey, title: "adding network key", run: func(ctx context.Context) (meshnode.StatusCode, error) {
			return c.stack.AddNetworkKey(ctx, c.keys.Net)
		}},
		{step: StepAddAppKey, title: "adding application key", run: func(ctx context.Context) (meshnode.StatusCode, error) {
			return c.stack.AddApplicationKey(ctx, c.keys.App)
		}},
		{step: StepBindClient, title: "binding client model", retries: 1, run: func(ctx context.Context) (meshnode.StatusCode, error) {
			return c.stack.BindApplicationKey(ctx, appIndex, c.client)
		}},
		{step: StepBindServer, title: "binding server model", retries: 1, run: func(ctx context.Context) (meshnode.StatusCode, error) {
			return c.stack.BindApplicationKey(ctx, appIndex, c.server)
		}},
	}
}

// Configure runs every step in order. Each step starts only after the
// previous one reported success.
func (c *Configurator) Configure(ctx context.Context) (err error) {
	steps := c.steps()
	planned := make([]telemetry.Step, len(steps))
	for i, s := range steps {
		planned[i] = telemetry.Step{ID: string(s.step), Title: s.title}
	}

	op := telemetry.Start(ctx, c.tracer, "node.configure", planned)
	defer func() { op.End(err) }()

	for i, s := range steps {
		if err := op.RunStep(planned[i], func(ctx context.Context) error {
			return c.runStep(ctx, s)
		}); err != nil {
			return err
		}
	}
	slog.Info("Node configured.",
		"net_index", c.keys.Net.Index, "app_index", c.keys.App.Index)
	return nil
}

func (c *Configurator) runStep(ctx context.Context, s configStep) error {
	var last *StepError
	for attempt := 1; attempt <= 1+s.retries; attempt++ {
		telemetry.MarkAttempt(ctx, attempt)

		stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
		status, err := s.run(stepCtx)
		cancel()

		if err == nil && status.OK() {
			slog.Info("Configuration step done.", "step", s.step, "status", status)
			return nil
		}
		last = &StepError{Step: s.step, Status: status, Err: err}
		slog.Warn("Configuration step failed.",
			"step", s.step, "status", status, "attempt", attempt, "err", err)

		if ctx.Err() != nil {
			break
		}
	}
	return last
}
