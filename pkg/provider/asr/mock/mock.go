// Package mock provides test doubles for the asr package interfaces.
//
// Use Model to return a controlled Output and inspect the options each call
// received. Use Loader to count model loads and inject load failures.
//
// Example:
//
//	model := &mock.Model{Output: asr.Output{Text: "hello", Language: "en"}}
//	loader := &mock.Loader{Model: model}
//	m := lifecycle.New[asr.Model](loader.Load)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxscribe/internal/asr"
)

// GenerateCall records a single invocation of Model.Generate.
type GenerateCall struct {
	// Samples is the number of samples passed to Generate.
	Samples int
	// Opts is the GenerateOptions passed to Generate.
	Opts asr.GenerateOptions
}

// Model is a mock implementation of asr.Model.
type Model struct {
	mu sync.Mutex

	// Output is returned by every successful Generate call.
	Output asr.Output

	// GenerateErr, if non-nil, is returned as the error from Generate.
	GenerateErr error

	// Block, if non-nil, makes Generate wait until it is closed or the
	// context is cancelled.
	Block chan struct{}

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// GenerateCalls records every call to Generate in order.
	GenerateCalls []GenerateCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Generate records the call and returns Output, GenerateErr.
func (m *Model) Generate(ctx context.Context, samples []float32, opts asr.GenerateOptions) (asr.Output, error) {
	m.mu.Lock()
	m.GenerateCalls = append(m.GenerateCalls, GenerateCall{Samples: len(samples), Opts: opts})
	block := m.Block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return asr.Output{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GenerateErr != nil {
		return asr.Output{}, m.GenerateErr
	}
	return m.Output, nil
}

// Close records the call and returns CloseErr.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCallCount++
	return m.CloseErr
}

// Calls returns a copy of the recorded Generate calls. Thread-safe.
func (m *Model) Calls() []GenerateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GenerateCall, len(m.GenerateCalls))
	copy(out, m.GenerateCalls)
	return out
}

// Closed returns the number of Close calls. Thread-safe.
func (m *Model) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCallCount
}

// Ensure Model implements asr.Model at compile time.
var _ asr.Model = (*Model)(nil)

// Loader is a mock model factory that counts loads.
type Loader struct {
	mu sync.Mutex

	// Model is returned by Load. If nil, Load returns a fresh empty Model.
	Model *Model

	// LoadErr, if non-nil, is returned as the error from Load.
	LoadErr error

	// Delay, if positive, is slept before every load.
	Delay time.Duration

	// LoadCallCount is the number of times Load was called.
	LoadCallCount int
}

// Load records the call and returns Model, LoadErr. It matches asr.LoadFunc.
func (l *Loader) Load(_ context.Context) (asr.Model, error) {
	l.mu.Lock()
	l.LoadCallCount++
	delay := l.Delay
	l.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	if l.Model != nil {
		return l.Model, nil
	}
	return &Model{}, nil
}

// Loads returns the number of Load calls. Thread-safe.
func (l *Loader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.LoadCallCount
}

// SetErr replaces LoadErr. Thread-safe.
func (l *Loader) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LoadErr = err
}
