package target

import "context"

// RunOptions carries the optional environment for a command executed inside
// a build environment. The variables are applied to that single command only.
type RunOptions struct {
	Env map[string]string
}

// ExecutionTarget is the capability surface of an isolated build environment:
// files can be pushed into it and commands run inside it. No ownership over
// the environment is taken beyond the duration of each call.
type ExecutionTarget interface {
	PushFile(ctx context.Context, sourcePath, destPath string) error
	PushFileContent(ctx context.Context, destPath string, content []byte, mode int64) error
	Run(ctx context.Context, command []string, opts RunOptions) error
}

// GatewayResolver reports the address at which the host (and so the proxy)
// is reachable from inside the build environment.
type GatewayResolver interface {
	Gateway(ctx context.Context) (string, error)
}
