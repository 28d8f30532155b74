package gateway

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/adcraft/api/internal/model"
)

// WithTimeout bounds every call of g by d. The wait is bounded even if the
// wrapped implementation ignores its context.
func WithTimeout(g Gateway, d time.Duration) Gateway {
	if d <= 0 {
		return g
	}
	return &timeoutGateway{next: g, timeout: d}
}

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

func bounded[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, Classify(op, r.err)
	case <-cctx.Done():
		var zero T
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return zero, &Error{Op: op, Reason: ReasonTimeout, Err: cctx.Err()}
		}
		return zero, &Error{Op: op, Reason: ReasonUpstream, Err: cctx.Err()}
	}
}

func (t *timeoutGateway) Analyze(ctx context.Context, req model.GenerationRequest) (string, error) {
	return bounded(ctx, t.timeout, "analyze", func(ctx context.Context) (string, error) {
		return t.next.Analyze(ctx, req)
	})
}

func (t *timeoutGateway) EnhancePrompt(ctx context.Context, in PromptInput) (string, error) {
	return bounded(ctx, t.timeout, "enhance_prompt", func(ctx context.Context) (string, error) {
		return t.next.EnhancePrompt(ctx, in)
	})
}

func (t *timeoutGateway) GenerateCopy(ctx context.Context, in CopyInput) (model.AdCopy, error) {
	return bounded(ctx, t.timeout, "generate_copy", func(ctx context.Context) (model.AdCopy, error) {
		return t.next.GenerateCopy(ctx, in)
	})
}

func (t *timeoutGateway) GenerateImage(ctx context.Context, in ImageInput) (ImageResult, error) {
	return bounded(ctx, t.timeout, "generate_image", func(ctx context.Context) (ImageResult, error) {
		return t.next.GenerateImage(ctx, in)
	})
}

func (t *timeoutGateway) ModifyImage(ctx context.Context, in ModifyInput) (ImageResult, error) {
	return bounded(ctx, t.timeout, "modify_image", func(ctx context.Context) (ImageResult, error) {
		return t.next.ModifyImage(ctx, in)
	})
}

// WithImagePacing makes image calls wait for a token from limiter before
// reaching g. Text calls are not paced.
func WithImagePacing(g Gateway, limiter *rate.Limiter) Gateway {
	if limiter == nil {
		return g
	}
	return &pacedGateway{Gateway: g, limiter: limiter}
}

type pacedGateway struct {
	Gateway
	limiter *rate.Limiter
}

func (p *pacedGateway) GenerateImage(ctx context.Context, in ImageInput) (ImageResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return ImageResult{}, &Error{Op: "generate_image", Reason: ReasonRateLimited, Err: err}
	}
	return p.Gateway.GenerateImage(ctx, in)
}

func (p *pacedGateway) ModifyImage(ctx context.Context, in ModifyInput) (ImageResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return ImageResult{}, &Error{Op: "modify_image", Reason: ReasonRateLimited, Err: err}
	}
	return p.Gateway.ModifyImage(ctx, in)
}

// NewImageLimiter builds the pacing limiter; a non-positive interval disables pacing.
func NewImageLimiter(interval time.Duration, burst int) *rate.Limiter {
	if interval <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(interval), burst)
}
