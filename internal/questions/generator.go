package questions

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/victornm/ebuzz/internal/domain"
	"github.com/victornm/ebuzz/internal/errors"
)

// Generator produces count questions for a theme. Implementations may fail
// transiently; callers wrap them with WithRetry.
type Generator interface {
	Generate(ctx context.Context, theme string, difficulty domain.Difficulty, count int) ([]domain.Question, error)
}

const (
	defaultMaxAttempts = 2
	retryMinWait       = 2 * time.Second
	retryMaxWait       = 5 * time.Second
)

type retrying struct {
	g        Generator
	attempts uint64
}

// WithRetry retries the wrapped generator with exponential backoff, at most
// attempts times in total. Exhaustion surfaces as CodeUnavailable so the
// caller can report the theme as yielding no questions.
func WithRetry(g Generator, attempts uint64) Generator {
	if attempts == 0 {
		attempts = defaultMaxAttempts
	}
	return &retrying{g: g, attempts: attempts}
}

func (r *retrying) Generate(ctx context.Context, theme string, difficulty domain.Difficulty, count int) ([]domain.Question, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryMinWait
	b.MaxInterval = retryMaxWait

	qs, err := backoff.RetryWithData(func() ([]domain.Question, error) {
		return r.g.Generate(ctx, theme, difficulty, count)
	}, backoff.WithContext(backoff.WithMaxRetries(b, r.attempts-1), ctx))
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("question generation failed: theme=%s", theme),
			errors.WithCause(err),
		)
	}

	return qs, nil
}
