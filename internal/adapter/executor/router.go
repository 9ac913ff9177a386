package executor

import (
	"context"
	"io"

	"vmrelay/internal/domain"
)

// Router sends runs for LocalHost targets to the local executor and
// everything else to the remote one.
type Router struct {
	local  domain.RemoteExecutor
	remote domain.RemoteExecutor
}

// NewRouter creates a Router. Either executor may be nil, in which case runs
// that would need it fail with ErrExecutorFailure.
func NewRouter(local, remote domain.RemoteExecutor) *Router {
	return &Router{local: local, remote: remote}
}

// Run implements domain.RemoteExecutor.
func (r *Router) Run(ctx context.Context, target domain.VMTarget, script string, stdout, stderr io.Writer) (int, error) {
	exec := r.remote
	if target.Host == LocalHost {
		exec = r.local
	}
	if exec == nil {
		return 0, domain.NewDomainError("Router.Run", domain.ErrExecutorFailure, "no executor for host "+target.Host)
	}
	return exec.Run(ctx, target, script, stdout, stderr)
}

var _ domain.RemoteExecutor = (*Router)(nil)
