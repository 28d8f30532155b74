// Package pipeline runs the ad generation state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adcraft/api/internal/gateway"
	"github.com/adcraft/api/internal/logger"
	"github.com/adcraft/api/internal/model"
	"github.com/adcraft/api/internal/store"
)

// ReferenceLoader supplies example creatives for prompt enhancement.
type ReferenceLoader interface {
	Load(ctx context.Context) ([]model.ReferenceAsset, error)
}

// ObjectRemover deletes stored image objects.
type ObjectRemover interface {
	Delete(ctx context.Context, key string) error
}

// Options tunes an Orchestrator.
type Options struct {
	// Concurrency caps in-flight gateway calls during fan-out stages.
	Concurrency int
	// Objects removes images that were stored but never recorded. Optional.
	Objects ObjectRemover
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

// Orchestrator drives runs through the stage graph and persists each
// terminal run to the store.
type Orchestrator struct {
	gateway     gateway.Gateway
	refs        ReferenceLoader
	store       store.Store
	validate    *validator.Validate
	concurrency int
	objects     ObjectRemover
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// New creates an Orchestrator. refs may be nil.
func New(gw gateway.Gateway, refs ReferenceLoader, st store.Store, v *validator.Validate, opts Options) *Orchestrator {
	if v == nil {
		v = model.NewValidator()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	return &Orchestrator{
		gateway:     gw,
		refs:        refs,
		store:       st,
		validate:    v,
		concurrency: opts.Concurrency,
		objects:     opts.Objects,
		logger:      opts.Logger,
		now:         opts.Now,
		newID:       opts.NewID,
	}
}

// discard removes an orphaned image object best-effort.
func (o *Orchestrator) discard(ctx context.Context, key string) {
	if o.objects == nil || key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := o.objects.Delete(ctx, key); err != nil {
		o.logger.Warn("failed to remove discarded image", "key", key, "error", err)
	}
}

// NewRunID allocates an identifier for a run about to start.
func (o *Orchestrator) NewRunID() string {
	return o.newID()
}

// Validate checks a request without starting anything.
func (o *Orchestrator) Validate(req model.GenerationRequest) error {
	return validationError(o.validate.Struct(&req))
}

// Run validates req and, if valid, executes the full pipeline under runID
// (a fresh one when empty). Invalid requests return a *model.ValidationError
// and emit nothing. Otherwise the returned run is terminal and already stored;
// in-run failures are reported through events and the run's status.
func (o *Orchestrator) Run(ctx context.Context, runID string, req model.GenerationRequest, sink Sink) (*model.Run, error) {
	if err := o.Validate(req); err != nil {
		return nil, err
	}
	if runID == "" {
		runID = o.newID()
	}
	if sink == nil {
		sink = SinkFunc(func(string, model.Event) {})
	}

	ctx = logger.WithRunID(ctx, runID)
	s := &runState{
		o:    o,
		sink: sink,
		log:  logger.FromContext(ctx, o.logger),
		run: &model.Run{
			ID:        runID,
			Request:   req,
			Status:    model.RunStatusRunning,
			Images:    []model.GeneratedImage{},
			CreatedAt: o.now(),
		},
	}
	s.execute(ctx)
	return s.snapshot(), nil
}

type step func(s *runState, ctx context.Context) (model.Stage, error)

var steps = map[model.Stage]step{
	model.StageCompanyAnalysis:   (*runState).analyzeCompany,
	model.StageLoadingReferences: (*runState).loadReferences,
	model.StagePromptEnhancement: (*runState).enhancePrompts,
	model.StageCopyGeneration:    (*runState).generateCopy,
	model.StageImageGeneration:   (*runState).generateImages,
}

// runState is the mutable state of one run. It is owned by the run's
// goroutine; fan-out workers touch it only through the locked helpers.
type runState struct {
	o    *Orchestrator
	sink Sink
	log  *slog.Logger

	mu           sync.Mutex
	run          *model.Run
	imagesFailed bool

	analysis   string
	references []model.ReferenceAsset
}

func (s *runState) execute(ctx context.Context) {
	start := s.o.now()
	s.log.Info("pipeline run started", "product", s.run.Request.ProductName)
	s.emit(model.StartedEvent{RunID: s.run.ID, Msg: "Starting ad generation"})

	stage := model.StageCompanyAnalysis
	for !stage.Terminal() {
		if err := s.enter(stage); err != nil {
			s.fail(stage, err)
			return
		}
		next, err := steps[stage](s, ctx)
		if err != nil {
			s.fail(stage, err)
			return
		}
		stage = next
	}
	s.complete()
	s.log.Info("pipeline run completed", "duration", s.o.now().Sub(start).String())
}

func (s *runState) enter(stage model.Stage) error {
	s.mu.Lock()
	from := s.run.Stage
	if !canTransition(from, stage) {
		s.mu.Unlock()
		return &transitionError{from: from, to: stage}
	}
	s.run.Stage = stage
	s.mu.Unlock()

	s.emit(model.ProgressEvent{Stage: stage, Msg: stageMessages[stage]})
	return nil
}

func (s *runState) analyzeCompany(ctx context.Context) (model.Stage, error) {
	analysis, err := s.o.gateway.Analyze(ctx, s.run.Request)
	if err != nil {
		return "", err
	}
	s.analysis = analysis
	s.emit(model.StepCompletedEvent{Stage: model.StageCompanyAnalysis, Msg: "Company analysis complete"})
	return model.StageLoadingReferences, nil
}

// loadReferences never fails the run; without references the prompts are
// built from text alone.
func (s *runState) loadReferences(ctx context.Context) (model.Stage, error) {
	msg := "No reference images available, continuing without references"
	if s.o.refs != nil {
		assets, err := s.o.refs.Load(ctx)
		if err != nil {
			s.log.Warn("reference assets unavailable", "error", err)
		} else {
			s.references = assets
			msg = fmt.Sprintf("Loaded %d reference images", len(assets))
		}
	}
	s.emit(model.StepCompletedEvent{Stage: model.StageLoadingReferences, Msg: msg})
	return model.StagePromptEnhancement, nil
}

func (s *runState) enhancePrompts(ctx context.Context) (model.Stage, error) {
	prompts := make([]string, len(model.ValidStyles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.o.concurrency)
	for i, style := range model.ValidStyles {
		i, style := i, style
		g.Go(func() error {
			p, err := s.o.gateway.EnhancePrompt(gctx, gateway.PromptInput{
				Request:    s.run.Request,
				Analysis:   s.analysis,
				Style:      style,
				References: s.references,
			})
			if err != nil {
				return fmt.Errorf("%s prompt: %w", style, err)
			}
			prompts[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.run.EnhancedPrompts = prompts
	s.mu.Unlock()

	s.emit(model.PromptsReadyEvent{
		Prompts: append([]string(nil), prompts...),
		Msg:     fmt.Sprintf("Created %d enhanced prompts", len(prompts)),
	})
	s.emit(model.StepCompletedEvent{Stage: model.StagePromptEnhancement, Msg: "Prompt enhancement complete"})
	return model.StageCopyGeneration, nil
}

// generateCopy passes user text through verbatim when both body and footer
// are given, otherwise asks the gateway and lets any given field win.
func (s *runState) generateCopy(ctx context.Context) (model.Stage, error) {
	req := s.run.Request

	var adCopy model.AdCopy
	if req.BodyText != "" && req.FooterText != "" {
		adCopy = model.AdCopy{
			Headline:    fmt.Sprintf("Transform Your Business with %s", req.ProductName),
			Description: req.BodyText,
			CTA:         req.FooterText,
		}
	} else {
		generated, err := s.o.gateway.GenerateCopy(ctx, gateway.CopyInput{Request: req, Analysis: s.analysis})
		if err != nil {
			return "", err
		}
		adCopy = generated
		if req.BodyText != "" {
			adCopy.Description = req.BodyText
		}
		if req.FooterText != "" {
			adCopy.CTA = req.FooterText
		}
	}

	s.mu.Lock()
	s.run.AdCopy = &adCopy
	s.mu.Unlock()

	s.emit(model.CopyReadyEvent{AdCopy: adCopy, Msg: "Ad copy ready"})
	s.emit(model.StepCompletedEvent{Stage: model.StageCopyGeneration, Msg: "Ad copy generation complete"})
	return model.StageImageGeneration, nil
}

// generateImages renders one image per style. Each image is announced as soon
// as it is stored; the first failure fails the stage and later successes are
// discarded along with their stored objects.
func (s *runState) generateImages(ctx context.Context) (model.Stage, error) {
	prompts := s.run.EnhancedPrompts
	total := len(model.ValidStyles)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.o.concurrency)
	for i, style := range model.ValidStyles {
		i, style := i, style
		g.Go(func() error {
			if !s.emitImageEvent(model.ProgressEvent{
				Stage: model.StageImageGeneration,
				Msg:   fmt.Sprintf("Generating %s style image (%d/%d)", style, i+1, total),
			}, nil) {
				return nil
			}

			imageID := s.o.newID()
			res, err := s.o.gateway.GenerateImage(gctx, gateway.ImageInput{
				RunID:   s.run.ID,
				ImageID: imageID,
				Style:   style,
				Prompt:  prompts[i],
			})
			if err != nil {
				s.mu.Lock()
				s.imagesFailed = true
				s.mu.Unlock()
				return fmt.Errorf("%s image: %w", style, err)
			}

			img := model.GeneratedImage{
				ID:                  imageID,
				URL:                 res.URL,
				Style:               style,
				PromptUsed:          prompts[i],
				GenerationTimestamp: s.o.now(),
				RunID:               s.run.ID,
				StorageKey:          res.StorageKey,
			}
			if !s.emitImageEvent(model.ImageReadyEvent{
				Image: img,
				Msg:   fmt.Sprintf("%s image ready", style.Title()),
			}, &img) {
				s.o.discard(ctx, res.StorageKey)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	s.emit(model.StepCompletedEvent{Stage: model.StageImageGeneration, Msg: fmt.Sprintf("Generated %d images", total)})
	return model.StageCompleted, nil
}

// emitImageEvent emits ev unless the image stage already failed, recording img
// when given. It reports whether the event was emitted.
func (s *runState) emitImageEvent(ev model.Event, img *model.GeneratedImage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.imagesFailed {
		return false
	}
	if img != nil {
		s.run.Images = append(s.run.Images, *img)
	}
	s.emitLocked(ev)
	return true
}

func (s *runState) complete() {
	s.mu.Lock()
	if !canTransition(s.run.Stage, model.StageCompleted) {
		from := s.run.Stage
		s.mu.Unlock()
		s.fail(from, &transitionError{from: from, to: model.StageCompleted})
		return
	}
	sortByStyle(s.run.Images)
	now := s.o.now()
	s.run.Stage = model.StageCompleted
	s.run.Status = model.RunStatusCompleted
	s.run.CompletedAt = &now

	ev := model.CompletedEvent{
		RunID:           s.run.ID,
		Images:          append([]model.GeneratedImage(nil), s.run.Images...),
		EnhancedPrompts: append([]string(nil), s.run.EnhancedPrompts...),
		Msg:             fmt.Sprintf("Successfully generated %d images", len(s.run.Images)),
	}
	if s.run.AdCopy != nil {
		ev.AdCopy = *s.run.AdCopy
	}
	s.emitLocked(ev)
	s.mu.Unlock()

	s.persist()
	s.emit(model.EndEvent{})
}

func (s *runState) fail(stage model.Stage, cause error) {
	var tErr *transitionError
	reason := ""
	if !errors.As(cause, &tErr) {
		reason = string(gateway.ReasonOf(gateway.Classify(string(stage), cause)))
	}

	s.mu.Lock()
	now := s.o.now()
	s.run.Stage = model.StageFailed
	s.run.Status = model.RunStatusFailed
	s.run.CompletedAt = &now
	s.run.Error = fmt.Sprintf("%s failed: %v", stage, cause)
	sortByStyle(s.run.Images)
	s.emitLocked(model.ErrorEvent{Stage: stage, Reason: reason, Msg: s.run.Error})
	s.mu.Unlock()

	s.log.Error("pipeline run failed", "stage", stage, "reason", reason, "error", cause)
	s.persist()
	s.emit(model.EndEvent{})
}

func (s *runState) persist() {
	if s.o.store == nil {
		return
	}
	if err := s.o.store.Put(s.snapshot()); err != nil {
		s.log.Error("failed to persist run", "error", err)
	}
}

func (s *runState) emit(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(ev)
}

func (s *runState) emitLocked(ev model.Event) {
	s.run.Events = append(s.run.Events, ev)
	s.sink.Emit(s.run.ID, ev)
}

func (s *runState) snapshot() *model.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.Clone()
}

func sortByStyle(images []model.GeneratedImage) {
	order := make(map[model.Style]int, len(model.ValidStyles))
	for i, st := range model.ValidStyles {
		order[st] = i
	}
	sort.SliceStable(images, func(i, j int) bool {
		return order[images[i].Style] < order[images[j].Style]
	})
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, e := range verrs {
			fields[e.Field()] = e.Tag()
		}
		return &model.ValidationError{Fields: fields}
	}
	return &model.ValidationError{Fields: map[string]string{"request": err.Error()}}
}
