package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/adcraft/api/internal/gateway"
	"github.com/adcraft/api/internal/middleware"
	"github.com/adcraft/api/internal/model"
	"github.com/adcraft/api/internal/pipeline"
	"github.com/adcraft/api/internal/service"
	"github.com/adcraft/api/internal/store"
	ws "github.com/adcraft/api/internal/websocket"
)

type testApp struct {
	app   *fiber.App
	svc   *service.GenerationService
	store *store.MemoryStore
}

// setupApp builds the API routes as main.go does, backed by the given
// gateway (the placeholder provider when nil) and an in-memory store.
func setupApp(t *testing.T, gw gateway.Gateway) *testApp {
	t.Helper()

	if gw == nil {
		gw = gateway.NewPlaceholderGateway()
	}
	validate := model.NewValidator()

	hub := ws.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	st := store.NewMemoryStore(0)
	orchestrator := pipeline.New(gw, nil, st, validate, pipeline.Options{Concurrency: 2})
	svc := service.NewGenerationService(orchestrator, st, nil, hub, time.Minute, nil)
	t.Cleanup(func() {
		waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		svc.Wait(waitCtx)
		cancel()
	})

	h := NewGenerationHandler(svc, validate, nil)
	rateLimiter := middleware.NewRateLimiter(nil)

	app := fiber.New()
	v1 := app.Group("/api/v1")

	images := v1.Group("/images")
	images.Post("/generate", rateLimiter.GenerateLimit(10000), h.Generate)
	images.Post("/generate/stream", rateLimiter.GenerateLimit(10000), h.Stream)
	images.Post("/generate/async", rateLimiter.GenerateLimit(10000), h.Start)
	images.Post("/modify", rateLimiter.ModifyLimit(10000), h.Modify)
	images.Get("/request/:runId", h.GetRequest)
	images.Delete("/request/:runId", h.DeleteRequest)
	images.Get("/styles", h.Styles)

	v1.Post("/stream/generate", rateLimiter.GenerateLimit(10000), h.Stream)

	return &testApp{app: app, svc: svc, store: st}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// parseFrames splits an SSE body into decoded events.
func parseFrames(t *testing.T, body string) []model.Event {
	t.Helper()
	var events []model.Event
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("malformed frame %q", frame)
		}
		ev, err := model.DecodeEvent([]byte(strings.TrimPrefix(frame, "data: ")))
		if err != nil {
			t.Fatalf("undecodable frame %q: %v", frame, err)
		}
		events = append(events, ev)
	}
	return events
}
