// Package subprocesstest provides a scripted subprocess.Executor for tests of
// the components built on top of the runner.
package subprocesstest

import (
	"context"
	"sync"

	"github.com/Paintersrp/subproc/internal/subprocess"
)

// Response is what the fake returns for one invocation.
type Response struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
	Err      error
}

// Fake records every invocation and answers from Responses, keyed by the
// command name (argv[0]). Unknown commands exit 0 with no output.
type Fake struct {
	Responses map[string]Response

	mu    sync.Mutex
	calls [][]string
	dirs  []string
}

// New returns a Fake answering from responses.
func New(responses map[string]Response) *Fake {
	return &Fake{Responses: responses}
}

func (f *Fake) Run(ctx context.Context, argv []string, dir string) (*subprocess.CompletedProcess, error) {
	if err := subprocess.ValidateArgv(argv); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), argv...))
	f.dirs = append(f.dirs, dir)
	resp := f.Responses[argv[0]]
	f.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}
	return &subprocess.CompletedProcess{
		Args:     append([]string(nil), argv...),
		ExitCode: resp.ExitCode,
		Stdout:   append([]string{}, resp.Stdout...),
		Stderr:   append([]string{}, resp.Stderr...),
	}, nil
}

// Calls returns a copy of every argument vector seen so far.
func (f *Fake) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Dirs returns the working directories passed to each call.
func (f *Fake) Dirs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dirs...)
}

// CallsTo counts invocations whose command name is name.
func (f *Fake) CallsTo(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, argv := range f.calls {
		if argv[0] == name {
			n++
		}
	}
	return n
}
