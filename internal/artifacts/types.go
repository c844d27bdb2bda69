package artifacts

import "context"

// Repository is the minimal persistence surface a retention sweep needs to
// prune expired task directories. Janitor satisfies this interface directly.
type Repository interface {
	PruneExpired(ctx context.Context) (int64, error)
}
