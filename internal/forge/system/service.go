package system

import "context"

// Service is anything the Manager can start and stop in a deterministic
// order: pollers, the scheduler reclaimer, the builder pool, the
// cache-push queue, the scanner, the deployment evaluator, and the Agent
// Edge HTTP server all implement this.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
