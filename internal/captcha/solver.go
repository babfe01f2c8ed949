package captcha

import (
	"context"
	"errors"

	"github.com/JakeFAU/event-crawler/internal/crawler"
)

// ErrNoSolver is returned by NoopSolver.
var ErrNoSolver = errors.New("no captcha solver configured")

// Solver obtains a response token for a challenge from an external service.
type Solver interface {
	Solve(ctx context.Context, challenge crawler.ChallengeInfo) (string, error)
}

// NoopSolver never solves anything.
type NoopSolver struct{}

// Solve always returns ErrNoSolver.
func (NoopSolver) Solve(context.Context, crawler.ChallengeInfo) (string, error) {
	return "", ErrNoSolver
}
