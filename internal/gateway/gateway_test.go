package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/adcraft/api/internal/client"
	"github.com/adcraft/api/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Reason
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ReasonTimeout},
		{"429", &client.APIError{StatusCode: 429}, ReasonRateLimited},
		{"504", &client.APIError{StatusCode: 504}, ReasonTimeout},
		{"500", &client.APIError{StatusCode: 500}, ReasonUpstream},
		{"bad body", fmt.Errorf("%w: nope", client.ErrInvalidResponse), ReasonInvalidResponse},
		{"other", errors.New("connection refused"), ReasonUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify("op", tc.err)
			if got := ReasonOf(err); got != tc.want {
				t.Errorf("Classify(%v) reason = %s, want %s", tc.err, got, tc.want)
			}
			if !errors.Is(err, tc.err) {
				t.Error("classified error must wrap the cause")
			}
		})
	}

	if Classify("op", nil) != nil {
		t.Error("nil error must stay nil")
	}

	orig := &Error{Op: "inner", Reason: ReasonRateLimited}
	if got := Classify("outer", orig); got != orig {
		t.Error("gateway errors must pass through unchanged")
	}
}

// stubGateway blocks image calls until release is closed, ignoring ctx.
type stubGateway struct {
	PlaceholderGateway
	release chan struct{}
	calls   int
}

func (s *stubGateway) GenerateImage(ctx context.Context, in ImageInput) (ImageResult, error) {
	s.calls++
	<-s.release
	return ImageResult{URL: "late"}, nil
}

func TestWithTimeout_BoundsUncooperativeCalls(t *testing.T) {
	stub := &stubGateway{release: make(chan struct{})}
	defer close(stub.release)

	g := WithTimeout(stub, 30*time.Millisecond)

	start := time.Now()
	_, err := g.GenerateImage(context.Background(), ImageInput{Style: model.StyleBold})
	if ReasonOf(err) != ReasonTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("call not bounded: took %v", elapsed)
	}
}

func TestWithTimeout_PassesResults(t *testing.T) {
	g := WithTimeout(NewPlaceholderGateway(), time.Second)

	analysis, err := g.Analyze(context.Background(), model.GenerationRequest{ProductName: "Acme", Audience: "CFOs"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if !strings.Contains(analysis, "Acme") {
		t.Errorf("unexpected analysis %q", analysis)
	}
}

func TestWithImagePacing(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	g := WithImagePacing(NewPlaceholderGateway(), limiter)

	if _, err := g.GenerateImage(context.Background(), ImageInput{Style: model.StyleBold}); err != nil {
		t.Fatalf("first call should use the burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.GenerateImage(ctx, ImageInput{Style: model.StyleBold})
	if ReasonOf(err) != ReasonRateLimited {
		t.Errorf("expected rate_limited, got %v", err)
	}

	// text calls are not paced
	if _, err := g.Analyze(ctx, model.GenerationRequest{}); err != nil {
		t.Errorf("Analyze() should not wait on the limiter: %v", err)
	}
}

func TestNewImageLimiter(t *testing.T) {
	if NewImageLimiter(0, 1) != nil {
		t.Error("zero interval should disable pacing")
	}
	if l := NewImageLimiter(time.Second, 0); l == nil || l.Burst() != 1 {
		t.Error("burst should default to 1")
	}
}

func TestPlaceholderGateway(t *testing.T) {
	g := NewPlaceholderGateway()
	ctx := context.Background()
	req := model.GenerationRequest{ProductName: "Acme", BusinessValue: "faster closes", Audience: "sales teams"}

	adCopy, err := g.GenerateCopy(ctx, CopyInput{Request: req})
	if err != nil {
		t.Fatal(err)
	}
	if adCopy.Headline != "Transform Your Business with Acme" || adCopy.CTA != "Book a Call" {
		t.Errorf("unexpected fallback copy %+v", adCopy)
	}

	req.BodyText = "Custom body"
	req.FooterText = "Try it"
	adCopy, _ = g.GenerateCopy(ctx, CopyInput{Request: req})
	if adCopy.Description != "Custom body" || adCopy.CTA != "Try it" {
		t.Errorf("overrides not applied: %+v", adCopy)
	}

	seen := map[string]bool{}
	for _, style := range model.ValidStyles {
		p, err := g.EnhancePrompt(ctx, PromptInput{Request: req, Style: style})
		if err != nil || p == "" {
			t.Fatalf("EnhancePrompt(%s) = %q, %v", style, p, err)
		}
		if seen[p] {
			t.Errorf("duplicate fallback prompt for %s", style)
		}
		seen[p] = true
	}

	orig, _ := g.GenerateImage(ctx, ImageInput{Style: model.StyleBold, ImageID: "abc"})
	mod, _ := g.ModifyImage(ctx, ModifyInput{Image: model.GeneratedImage{ID: "abc", Style: model.StyleBold, URL: orig.URL}})
	if orig.URL == mod.URL {
		t.Error("modified placeholder should differ from the original")
	}
	again, _ := g.ModifyImage(ctx, ModifyInput{Image: model.GeneratedImage{ID: "abc", Style: model.StyleBold, URL: mod.URL}})
	if again.URL == mod.URL {
		t.Error("each modification should yield a new url")
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := g.Analyze(canceled, req); ReasonOf(err) == "" {
		t.Errorf("expected gateway error on canceled context, got %v", err)
	}
}
