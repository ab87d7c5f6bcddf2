package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// InvokerOptions tunes an Invoker. Zero values fall back to defaults.
type InvokerOptions struct {
	Model       string
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// CallTimeout bounds each attempt separately; zero means the caller's
	// context is the only bound.
	CallTimeout time.Duration
	MaxTokens   int
	Temperature float64
}

func (o InvokerOptions) withDefaults() InvokerOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	return o
}

// Invocation is the text returned by a successful Invoke.
type Invocation struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Attempts     int
}

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = errors.New("empty response")

// AttemptsError is returned after every attempt failed with a transient error.
type AttemptsError struct {
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() error { return e.Err }

// Invoker turns a system prompt and a user prompt into response text,
// retrying transient provider failures with exponential backoff.
type Invoker struct {
	provider Provider
	opts     InvokerOptions
	sleep    func(context.Context, time.Duration) error
}

// NewInvoker wraps provider.
func NewInvoker(provider Provider, opts InvokerOptions) *Invoker {
	return &Invoker{
		provider: provider,
		opts:     opts.withDefaults(),
		sleep:    sleepContext,
	}
}

// Provider returns the wrapped provider.
func (iv *Invoker) Provider() Provider { return iv.provider }

// Model returns the configured model name, which may be empty when the
// provider's own default is used.
func (iv *Invoker) Model() string { return iv.opts.Model }

// Invoke sends one completion request. Non-transient errors are returned
// immediately; transient ones are retried up to MaxAttempts.
func (iv *Invoker) Invoke(ctx context.Context, system, user string) (*Invocation, error) {
	req := CompletionRequest{
		Model:       iv.opts.Model,
		MaxTokens:   iv.opts.MaxTokens,
		Temperature: iv.opts.Temperature,
		JSONMode:    true,
	}
	if strings.TrimSpace(system) != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: user})

	backoff := iv.opts.Backoff
	var lastErr error
	for attempt := 1; attempt <= iv.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := iv.complete(ctx, req)
		if err == nil {
			return &Invocation{
				Text:         resp.Content,
				Model:        resp.Model,
				InputTokens:  resp.InputTokens,
				OutputTokens: resp.OutputTokens,
				Attempts:     attempt,
			}, nil
		}
		lastErr = err

		// The caller's own cancellation wins over a per-attempt timeout.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			return nil, err
		}
		if attempt == iv.opts.MaxAttempts {
			break
		}

		if err := iv.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > iv.opts.MaxBackoff {
			backoff = iv.opts.MaxBackoff
		}
	}
	return nil, &AttemptsError{Attempts: iv.opts.MaxAttempts, Err: lastErr}
}

func (iv *Invoker) complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	callCtx := ctx
	if iv.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, iv.opts.CallTimeout)
		defer cancel()
	}
	resp, err := iv.provider.Complete(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", iv.provider.Name(), err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("%s completion: %w", iv.provider.Name(), ErrEmptyResponse)
	}
	return resp, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
