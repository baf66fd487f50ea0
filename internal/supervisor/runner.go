package supervisor

import (
	"context"
	"os/exec"
)

// CommandRunner abstracts local command execution so credential exports can
// be substituted in tests.
type CommandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// SetRunner replaces the command runner. Intended for tests.
func (s *Supervisor) SetRunner(r CommandRunner) {
	s.runner = r
}
