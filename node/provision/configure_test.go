package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"meshnode"
)

var (
	testClient = meshnode.ModelRef{Element: 0x0001, ID: meshnode.GenericOnOffClient}
	testServer = meshnode.ModelRef{Element: 0x0001, ID: meshnode.GenericOnOffServer}
)

type keyResult struct {
	status meshnode.StatusCode
	err    error
}

// fakeKeys records configuration calls and replays scripted results per step.
// A step with no script left succeeds.
type fakeKeys struct {
	mu      sync.Mutex
	calls   []string
	results map[string][]keyResult
	block   bool
}

func (f *fakeKeys) next(ctx context.Context, call string) (meshnode.StatusCode, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	script := f.results[call]
	var r keyResult
	if len(script) > 0 {
		r = script[0]
		f.results[call] = script[1:]
	}
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return meshnode.StatusSuccess, ctx.Err()
	}
	return r.status, r.err
}

func (f *fakeKeys) AddNetworkKey(ctx context.Context, _ meshnode.NetKey) (meshnode.StatusCode, error) {
	return f.next(ctx, "net")
}

func (f *fakeKeys) AddApplicationKey(ctx context.Context, _ meshnode.AppKey) (meshnode.StatusCode, error) {
	return f.next(ctx, "app")
}

func (f *fakeKeys) BindApplicationKey(ctx context.Context, _ meshnode.KeyIndex, model meshnode.ModelRef) (meshnode.StatusCode, error) {
	if model.ID == meshnode.GenericOnOffClient {
		return f.next(ctx, "bind-client")
	}
	return f.next(ctx, "bind-server")
}

func (f *fakeKeys) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testKeys() meshnode.Keys {
	var net, app meshnode.Key
	net[0], app[0] = 1, 2
	return meshnode.Keys{
		Net: meshnode.NetKey{Index: 0, Key: net},
		App: meshnode.AppKey{NetIndex: 0, Index: 0, Key: app},
	}
}

func TestConfigureRunsStepsInOrder(t *testing.T) {
	t.Parallel()

	keys := &fakeKeys{}
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	c := NewConfigurator(keys, testKeys(), testClient, testServer, WithConfigTracer(tracer))
	if err := c.Configure(context.Background()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	want := []string{"net", "app", "bind-client", "bind-server"}
	if diff := cmp.Diff(want, keys.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	wantSpans := []string{"add-net-key", "add-app-key", "bind-client", "bind-server", "node.configure"}
	if diff := cmp.Diff(wantSpans, names); diff != "" {
		t.Fatalf("spans mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigureAbortsOnKeyFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		results   map[string][]keyResult
		wantStep  Step
		wantCalls []string
	}{
		{
			name:      "net key status",
			results:   map[string][]keyResult{"net": {{status: meshnode.StatusInsufficientResources}}},
			wantStep:  StepAddNetKey,
			wantCalls: []string{"net"},
		},
		{
			name:      "app key call error",
			results:   map[string][]keyResult{"app": {{err: errors.New("bus gone")}}},
			wantStep:  StepAddAppKey,
			wantCalls: []string{"net", "app"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := &fakeKeys{results: tt.results}
			err := NewConfigurator(keys, testKeys(), testClient, testServer).Configure(context.Background())
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Configure() error = %v, want ErrConfiguration", err)
			}
			var stepErr *StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("Configure() error = %T, want *StepError", err)
			}
			if stepErr.Step != tt.wantStep {
				t.Fatalf("StepError.Step = %s, want %s", stepErr.Step, tt.wantStep)
			}
			if diff := cmp.Diff(tt.wantCalls, keys.Calls()); diff != "" {
				t.Fatalf("calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfigureRetriesBindOnce(t *testing.T) {
	t.Parallel()

	keys := &fakeKeys{results: map[string][]keyResult{
		"bind-client": {{status: meshnode.StatusInvalidAppKeyIndex}},
	}}
	if err := NewConfigurator(keys, testKeys(), testClient, testServer).Configure(context.Background()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	want := []string{"net", "app", "bind-client", "bind-client", "bind-server"}
	if diff := cmp.Diff(want, keys.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigureAbortsAfterSecondBindFailure(t *testing.T) {
	t.Parallel()

	keys := &fakeKeys{results: map[string][]keyResult{
		"bind-server": {
			{status: meshnode.StatusInvalidModel},
			{status: meshnode.StatusInvalidModel},
		},
	}}
	err := NewConfigurator(keys, testKeys(), testClient, testServer).Configure(context.Background())
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Configure() error = %v, want *StepError", err)
	}
	if stepErr.Step != StepBindServer || stepErr.Status != meshnode.StatusInvalidModel {
		t.Fatalf("StepError = %+v, want bind-server/InvalidModel", stepErr)
	}
	if got := len(keys.Calls()); got != 5 {
		t.Fatalf("call count = %d, want 5", got)
	}
}

func TestConfigureStepTimeout(t *testing.T) {
	t.Parallel()

	keys := &fakeKeys{block: true}
	c := NewConfigurator(keys, testKeys(), testClient, testServer, WithStepTimeout(10*time.Millisecond))
	err := c.Configure(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Configure() error = %v, want deadline exceeded", err)
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Configure() error = %v, want ErrConfiguration", err)
	}
}
