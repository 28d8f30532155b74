package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adcraft/api/internal/client"
	"github.com/adcraft/api/internal/model"
	"github.com/adcraft/api/internal/pipeline"
	"github.com/adcraft/api/internal/store"
)

// streamBuffer holds every event of one run, so a run never blocks on a
// reader that went away.
const streamBuffer = 64

// Broadcaster publishes run events to live subscribers.
type Broadcaster interface {
	pipeline.Sink
	Track(runID string)
}

// GenerationService starts pipeline runs and manages their results.
type GenerationService struct {
	orchestrator *pipeline.Orchestrator
	store        store.Store
	storage      client.StorageClient
	hub          Broadcaster
	runTimeout   time.Duration
	logger       *slog.Logger

	wg sync.WaitGroup
}

// NewGenerationService wires the service. storage and hub may be nil.
func NewGenerationService(o *pipeline.Orchestrator, st store.Store, storage client.StorageClient, hub Broadcaster, runTimeout time.Duration, logger *slog.Logger) *GenerationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationService{
		orchestrator: o,
		store:        st,
		storage:      storage,
		hub:          hub,
		runTimeout:   runTimeout,
		logger:       logger,
	}
}

// Stream validates req and starts a detached run whose events are delivered
// on the returned channel. The channel is closed after the end event.
func (s *GenerationService) Stream(req model.GenerationRequest) (string, <-chan model.Event, error) {
	if err := s.orchestrator.Validate(req); err != nil {
		return "", nil, err
	}
	runID := s.orchestrator.NewRunID()
	sink := pipeline.NewChanSink(streamBuffer)
	s.launch(runID, req, sink)
	return runID, sink.C, nil
}

// Start validates req and starts a detached run observable over WebSocket.
func (s *GenerationService) Start(req model.GenerationRequest) (*model.StartResponse, error) {
	if err := s.orchestrator.Validate(req); err != nil {
		return nil, err
	}
	runID := s.orchestrator.NewRunID()
	s.launch(runID, req, nil)
	return &model.StartResponse{
		RunID:     runID,
		Status:    string(model.RunStatusRunning),
		StreamURL: "/ws/runs/" + runID,
	}, nil
}

// Generate runs the pipeline to completion and returns the terminal run.
// The run is not cancelled if the caller goes away.
func (s *GenerationService) Generate(ctx context.Context, req model.GenerationRequest) (*model.Run, error) {
	if err := s.orchestrator.Validate(req); err != nil {
		return nil, err
	}
	runID := s.orchestrator.NewRunID()
	if s.hub != nil {
		s.hub.Track(runID)
	}

	s.wg.Add(1)
	defer s.wg.Done()

	runCtx, cancel := s.runContext(context.WithoutCancel(ctx))
	defer cancel()
	return s.orchestrator.Run(runCtx, runID, req, s.hubSink())
}

func (s *GenerationService) launch(runID string, req model.GenerationRequest, extra pipeline.Sink) {
	if s.hub != nil {
		s.hub.Track(runID)
	}
	sink := pipeline.Fanout(s.hubSink(), extra)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.runContext(context.Background())
		defer cancel()
		if _, err := s.orchestrator.Run(ctx, runID, req, sink); err != nil {
			s.logger.Error("pipeline run rejected", "run_id", runID, "error", err)
		}
	}()
}

func (s *GenerationService) hubSink() pipeline.Sink {
	if s.hub == nil {
		return nil
	}
	return s.hub
}

func (s *GenerationService) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.runTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, s.runTimeout)
}

// Modify edits one stored image in place. The replaced object is removed
// from storage best-effort.
func (s *GenerationService) Modify(ctx context.Context, req model.ModifyRequest) (*model.ModifyResponse, error) {
	res, err := s.orchestrator.Modify(ctx, req)
	if err != nil {
		return nil, err
	}
	if old := res.Previous.StorageKey; old != "" && old != res.Image.StorageKey {
		s.deleteObject(ctx, old)
	}
	img := res.Image
	return &model.ModifyResponse{RunID: res.RunID, Image: &img}, nil
}

// GetRun returns the stored record of a finished run.
func (s *GenerationService) GetRun(runID string) (*model.Run, error) {
	return s.store.Get(runID)
}

// DeleteRun removes a run and its stored image objects.
func (s *GenerationService) DeleteRun(ctx context.Context, runID string) (*model.DeleteResponse, error) {
	run, err := s.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Delete(runID); err != nil {
		return nil, err
	}
	for _, img := range run.Images {
		if img.StorageKey != "" {
			s.deleteObject(ctx, img.StorageKey)
		}
	}
	return &model.DeleteResponse{
		RunID:   runID,
		Message: fmt.Sprintf("Request %s deleted", runID),
	}, nil
}

func (s *GenerationService) deleteObject(ctx context.Context, key string) {
	if s.storage == nil {
		return
	}
	if err := s.storage.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to delete stored image", "key", key, "error", err)
	}
}

// Styles lists the fixed style set.
func (s *GenerationService) Styles() model.StylesResponse {
	descriptions := make(map[model.Style]string, len(model.StyleDescriptions))
	for k, v := range model.StyleDescriptions {
		descriptions[k] = v
	}
	return model.StylesResponse{
		Styles:       append([]model.Style(nil), model.ValidStyles...),
		Descriptions: descriptions,
	}
}

// Wait blocks until every detached run has finished or ctx is done.
func (s *GenerationService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
