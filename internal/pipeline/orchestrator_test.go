package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adcraft/api/internal/gateway"
	"github.com/adcraft/api/internal/model"
	"github.com/adcraft/api/internal/reference"
	"github.com/adcraft/api/internal/store"
)

type fakeGateway struct {
	analyzeErr  error
	enhanceErr  error
	copyErr     error
	failStyle   model.Style
	imageErr    error
	imageDelay  time.Duration
	modifyErr   error
	blockImages bool
	// failStyle waits until every style has called the gateway
	awaitPeers bool
	onModify   func()

	copyCalls   int32
	imageCalls  int32
	inFlight    int32
	maxInFlight int32

	mu         sync.Mutex
	references int
}

func (f *fakeGateway) Analyze(ctx context.Context, req model.GenerationRequest) (string, error) {
	if f.analyzeErr != nil {
		return "", f.analyzeErr
	}
	return "analysis of " + req.ProductName, nil
}

func (f *fakeGateway) EnhancePrompt(ctx context.Context, in gateway.PromptInput) (string, error) {
	if f.enhanceErr != nil {
		return "", f.enhanceErr
	}
	f.mu.Lock()
	f.references = len(in.References)
	f.mu.Unlock()
	return fmt.Sprintf("%s prompt for %s", in.Style, in.Request.ProductName), nil
}

func (f *fakeGateway) GenerateCopy(ctx context.Context, in gateway.CopyInput) (model.AdCopy, error) {
	atomic.AddInt32(&f.copyCalls, 1)
	if f.copyErr != nil {
		return model.AdCopy{}, f.copyErr
	}
	return model.AdCopy{
		Headline:    "Synthesized headline",
		Description: "Synthesized description",
		CTA:         "Get Started",
	}, nil
}

func (f *fakeGateway) GenerateImage(ctx context.Context, in gateway.ImageInput) (gateway.ImageResult, error) {
	atomic.AddInt32(&f.imageCalls, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxInFlight, peak, n) {
			break
		}
	}

	if f.blockImages {
		select {}
	}
	if in.Style == f.failStyle && f.awaitPeers {
		for atomic.LoadInt32(&f.imageCalls) < int32(len(model.ValidStyles)) {
			time.Sleep(time.Millisecond)
		}
		return gateway.ImageResult{}, f.imageErr
	}
	if f.imageDelay > 0 {
		time.Sleep(f.imageDelay)
	}
	if in.Style == f.failStyle {
		return gateway.ImageResult{}, f.imageErr
	}
	return gateway.ImageResult{
		URL:        fmt.Sprintf("https://cdn.test/%s/%s.png", in.RunID, in.ImageID),
		StorageKey: fmt.Sprintf("runs/%s/%s.png", in.RunID, in.ImageID),
	}, nil
}

func (f *fakeGateway) ModifyImage(ctx context.Context, in gateway.ModifyInput) (gateway.ImageResult, error) {
	if f.onModify != nil {
		f.onModify()
	}
	if f.modifyErr != nil {
		return gateway.ImageResult{}, f.modifyErr
	}
	return gateway.ImageResult{URL: in.Image.URL + "?v=2", StorageKey: in.Image.StorageKey + ".v2"}, nil
}

type recordingRemover struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingRemover) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func (r *recordingRemover) removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type fakeLoader struct {
	assets []model.ReferenceAsset
	err    error
}

func (l fakeLoader) Load(ctx context.Context) ([]model.ReferenceAsset, error) {
	return l.assets, l.err
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Emit(_ string, ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(kind model.EventType) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

var acme = model.GenerationRequest{
	CompanyURL:    "https://acme.example",
	ProductName:   "Acme Ledger",
	BusinessValue: "close the books in half the time",
	Audience:      "finance leaders",
}

func newTestOrchestrator(gw gateway.Gateway, refs ReferenceLoader, concurrency int) (*Orchestrator, *store.MemoryStore) {
	st := store.NewMemoryStore(0)
	return New(gw, refs, st, nil, Options{Concurrency: concurrency}), st
}

func TestRun_Success(t *testing.T) {
	gw := &fakeGateway{}
	o, st := newTestOrchestrator(gw, fakeLoader{assets: []model.ReferenceAsset{{Name: "main_ref.png"}}}, 2)
	rec := &recorder{}

	run, err := o.Run(context.Background(), "", acme, rec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	events := rec.events
	if events[0].Kind() != model.EventStarted {
		t.Errorf("first event = %s, want started", events[0].Kind())
	}
	if events[len(events)-1].Kind() != model.EventEnd {
		t.Errorf("last event = %s, want end", events[len(events)-1].Kind())
	}
	if events[len(events)-2].Kind() != model.EventCompleted {
		t.Errorf("event before end = %s, want completed", events[len(events)-2].Kind())
	}

	wantCounts := map[model.EventType]int{
		model.EventStarted:       1,
		model.EventPromptsReady:  1,
		model.EventCopyReady:     1,
		model.EventImageReady:    5,
		model.EventStepCompleted: 5,
		model.EventCompleted:     1,
		model.EventError:         0,
		model.EventEnd:           1,
	}
	for kind, want := range wantCounts {
		if got := rec.count(kind); got != want {
			t.Errorf("%s events = %d, want %d", kind, got, want)
		}
	}

	ready := map[string]bool{}
	var completed model.CompletedEvent
	for _, ev := range events {
		switch e := ev.(type) {
		case model.ImageReadyEvent:
			ready[e.Image.ID] = true
		case model.CompletedEvent:
			completed = e
		case model.PromptsReadyEvent:
			if len(e.Prompts) != 5 {
				t.Errorf("prompts_ready carries %d prompts", len(e.Prompts))
			}
		}
	}
	if len(completed.Images) != 5 {
		t.Fatalf("completed carries %d images", len(completed.Images))
	}
	for _, img := range completed.Images {
		if !ready[img.ID] {
			t.Errorf("completed image %s never announced", img.ID)
		}
	}
	if len(ready) != 5 {
		t.Errorf("expected 5 unique image ids, got %d", len(ready))
	}

	stored, err := st.Get(run.ID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if stored.Status != model.RunStatusCompleted || len(stored.Images) != 5 {
		t.Errorf("stored run status=%s images=%d", stored.Status, len(stored.Images))
	}
	for i, img := range stored.Images {
		if img.Style != model.ValidStyles[i] {
			t.Errorf("image %d style = %s, want %s", i, img.Style, model.ValidStyles[i])
		}
	}
	if stored.Request != acme {
		t.Error("original request not stored")
	}
	if gw.references != 1 {
		t.Errorf("references not passed to prompt enhancement")
	}
}

func TestRun_StagesAdvanceInOrder(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeGateway{}, nil, 3)
	rec := &recorder{}
	_, _ = o.Run(context.Background(), "", acme, rec)

	want := []model.Stage{
		model.StageCompanyAnalysis,
		model.StageLoadingReferences,
		model.StagePromptEnhancement,
		model.StageCopyGeneration,
		model.StageImageGeneration,
	}
	var got []model.Stage
	for _, ev := range rec.events {
		if e, ok := ev.(model.StepCompletedEvent); ok {
			got = append(got, e.Stage)
		}
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("step order = %v, want %v", got, want)
	}
}

func TestRun_CopyPassthrough(t *testing.T) {
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(gw, nil, 2)

	req := acme
	req.BodyText = "Our exact body text."
	req.FooterText = "Book a Demo"

	run, _ := o.Run(context.Background(), "", req, nil)
	if atomic.LoadInt32(&gw.copyCalls) != 0 {
		t.Errorf("gateway copy called %d times, want 0", gw.copyCalls)
	}
	if run.AdCopy == nil || run.AdCopy.Description != req.BodyText || run.AdCopy.CTA != req.FooterText {
		t.Errorf("copy not passed through: %+v", run.AdCopy)
	}
	if run.AdCopy.Headline == "" {
		t.Error("headline should still be set")
	}
}

func TestRun_CopySynthesized(t *testing.T) {
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(gw, nil, 2)
	rec := &recorder{}

	run, _ := o.Run(context.Background(), "", acme, rec)
	if gw.copyCalls != 1 {
		t.Errorf("gateway copy called %d times, want 1", gw.copyCalls)
	}
	if run.AdCopy.Headline == "" || run.AdCopy.Description == "" || run.AdCopy.CTA == "" {
		t.Errorf("incomplete copy %+v", run.AdCopy)
	}
	if rec.count(model.EventCopyReady) != 1 {
		t.Error("expected exactly one copy_ready")
	}
}

func TestRun_CopyPartialOverride(t *testing.T) {
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(gw, nil, 2)

	req := acme
	req.BodyText = "Only the body is mine."
	run, _ := o.Run(context.Background(), "", req, nil)

	if gw.copyCalls != 1 {
		t.Errorf("gateway copy called %d times, want 1", gw.copyCalls)
	}
	if run.AdCopy.Description != req.BodyText || run.AdCopy.CTA != "Get Started" {
		t.Errorf("unexpected copy %+v", run.AdCopy)
	}
}

func TestRun_ImageFailureFailsStage(t *testing.T) {
	gw := &fakeGateway{
		failStyle: model.StyleBold,
		imageErr:  &gateway.Error{Op: "generate_image", Reason: gateway.ReasonRateLimited},
	}
	o, st := newTestOrchestrator(gw, nil, 1)
	rec := &recorder{}

	run, err := o.Run(context.Background(), "", acme, rec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rec.count(model.EventError) != 1 || rec.count(model.EventEnd) != 1 || rec.count(model.EventCompleted) != 0 {
		t.Errorf("error=%d end=%d completed=%d", rec.count(model.EventError), rec.count(model.EventEnd), rec.count(model.EventCompleted))
	}
	last := rec.events[len(rec.events)-1]
	if last.Kind() != model.EventEnd {
		t.Errorf("last event = %s", last.Kind())
	}
	errEv, ok := rec.events[len(rec.events)-2].(model.ErrorEvent)
	if !ok {
		t.Fatalf("expected error before end, got %T", rec.events[len(rec.events)-2])
	}
	if errEv.Reason != string(gateway.ReasonRateLimited) || errEv.Stage != model.StageImageGeneration {
		t.Errorf("unexpected error event %+v", errEv)
	}

	stored, err := st.Get(run.ID)
	if err != nil {
		t.Fatalf("failed run not persisted: %v", err)
	}
	if stored.Status != model.RunStatusFailed || stored.Stage != model.StageFailed {
		t.Errorf("stored status=%s stage=%s", stored.Status, stored.Stage)
	}
	// with a single worker the four styles before bold finish first
	if len(stored.Images) != 4 || rec.count(model.EventImageReady) != 4 {
		t.Errorf("partial images stored=%d announced=%d", len(stored.Images), rec.count(model.EventImageReady))
	}
}

func TestRun_AnalysisFailure(t *testing.T) {
	gw := &fakeGateway{analyzeErr: errors.New("upstream exploded")}
	o, st := newTestOrchestrator(gw, nil, 2)
	rec := &recorder{}

	run, _ := o.Run(context.Background(), "", acme, rec)

	if rec.count(model.EventPromptsReady) != 0 || rec.count(model.EventImageReady) != 0 {
		t.Error("no later stage should run after analysis failure")
	}
	errEv, ok := rec.events[len(rec.events)-2].(model.ErrorEvent)
	if !ok || errEv.Stage != model.StageCompanyAnalysis || errEv.Reason != string(gateway.ReasonUpstream) {
		t.Errorf("unexpected error event %+v", rec.events[len(rec.events)-2])
	}
	if _, err := st.Get(run.ID); err != nil {
		t.Errorf("failed run not persisted: %v", err)
	}
}

func TestRun_PromptEnhancementFailure(t *testing.T) {
	gw := &fakeGateway{enhanceErr: &gateway.Error{Op: "enhance_prompt", Reason: gateway.ReasonRateLimited}}
	o, st := newTestOrchestrator(gw, nil, 2)
	rec := &recorder{}

	run, err := o.Run(context.Background(), "", acme, rec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rec.count(model.EventError) != 1 || rec.count(model.EventEnd) != 1 || rec.count(model.EventCompleted) != 0 {
		t.Errorf("error=%d end=%d completed=%d", rec.count(model.EventError), rec.count(model.EventEnd), rec.count(model.EventCompleted))
	}
	if rec.count(model.EventPromptsReady) != 0 || rec.count(model.EventCopyReady) != 0 || rec.count(model.EventImageReady) != 0 {
		t.Error("no later stage should run after prompt enhancement failure")
	}
	if last := rec.events[len(rec.events)-1]; last.Kind() != model.EventEnd {
		t.Errorf("last event = %s, want end", last.Kind())
	}
	errEv, ok := rec.events[len(rec.events)-2].(model.ErrorEvent)
	if !ok || errEv.Stage != model.StagePromptEnhancement || errEv.Reason != string(gateway.ReasonRateLimited) {
		t.Errorf("unexpected error event %+v", rec.events[len(rec.events)-2])
	}

	stored, err := st.Get(run.ID)
	if err != nil {
		t.Fatalf("failed run not persisted: %v", err)
	}
	if stored.Status != model.RunStatusFailed || len(stored.EnhancedPrompts) != 0 {
		t.Errorf("stored status=%s prompts=%d", stored.Status, len(stored.EnhancedPrompts))
	}
}

func TestRun_CopyFailure(t *testing.T) {
	gw := &fakeGateway{copyErr: &gateway.Error{Op: "generate_copy", Reason: gateway.ReasonInvalidResponse}}
	o, st := newTestOrchestrator(gw, nil, 2)
	rec := &recorder{}

	run, err := o.Run(context.Background(), "", acme, rec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rec.count(model.EventError) != 1 || rec.count(model.EventEnd) != 1 || rec.count(model.EventCompleted) != 0 {
		t.Errorf("error=%d end=%d completed=%d", rec.count(model.EventError), rec.count(model.EventEnd), rec.count(model.EventCompleted))
	}
	if rec.count(model.EventPromptsReady) != 1 {
		t.Error("prompts should be announced before copy generation")
	}
	if rec.count(model.EventCopyReady) != 0 || rec.count(model.EventImageReady) != 0 {
		t.Error("no copy or images should be announced after copy failure")
	}
	if gw.imageCalls != 0 {
		t.Errorf("image calls = %d, want 0", gw.imageCalls)
	}
	errEv, ok := rec.events[len(rec.events)-2].(model.ErrorEvent)
	if !ok || errEv.Stage != model.StageCopyGeneration || errEv.Reason != string(gateway.ReasonInvalidResponse) {
		t.Errorf("unexpected error event %+v", rec.events[len(rec.events)-2])
	}

	stored, err := st.Get(run.ID)
	if err != nil {
		t.Fatalf("failed run not persisted: %v", err)
	}
	if stored.Status != model.RunStatusFailed || stored.AdCopy != nil || stored.Error == "" {
		t.Errorf("stored status=%s copy=%v error=%q", stored.Status, stored.AdCopy, stored.Error)
	}
}

func TestRun_ImageFailureRemovesDiscardedObjects(t *testing.T) {
	gw := &fakeGateway{
		failStyle:  model.StyleBold,
		imageErr:   errors.New("boom"),
		imageDelay: 100 * time.Millisecond,
		awaitPeers: true,
	}
	objects := &recordingRemover{}
	st := store.NewMemoryStore(0)
	o := New(gw, nil, st, nil, Options{Concurrency: 5, Objects: objects})

	run, _ := o.Run(context.Background(), "", acme, nil)
	if run.Status != model.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}

	removed := objects.removed()
	if len(removed) != 4 {
		t.Fatalf("removed %d objects, want 4: %v", len(removed), removed)
	}
	stored, _ := st.Get(run.ID)
	if len(stored.Images) != 0 {
		t.Errorf("discarded images recorded: %d", len(stored.Images))
	}
	for _, key := range removed {
		if key == "" {
			t.Error("empty storage key removed")
		}
	}
}

func TestRun_ReferencesUnavailableIsNotFatal(t *testing.T) {
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(gw, fakeLoader{err: reference.ErrAssetUnavailable}, 2)
	rec := &recorder{}

	run, _ := o.Run(context.Background(), "", acme, rec)
	if run.Status != model.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
	if rec.count(model.EventError) != 0 {
		t.Error("reference failure must not emit error")
	}
	if gw.references != 0 {
		t.Errorf("expected zero references, got %d", gw.references)
	}
}

func TestRun_ValidationError(t *testing.T) {
	o, st := newTestOrchestrator(&fakeGateway{}, nil, 2)
	rec := &recorder{}

	req := acme
	req.ProductName = ""
	req.CompanyURL = "not a url"

	run, err := o.Run(context.Background(), "", req, rec)
	var vErr *model.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if vErr.Fields["product_name"] != "required" || vErr.Fields["company_url"] != "url" {
		t.Errorf("unexpected fields %v", vErr.Fields)
	}
	if run != nil || len(rec.events) != 0 || st.Len() != 0 {
		t.Error("invalid request must not start a run")
	}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	gw := &fakeGateway{imageDelay: 20 * time.Millisecond}
	o, _ := newTestOrchestrator(gw, nil, 2)

	run, _ := o.Run(context.Background(), "", acme, nil)
	if run.Status != model.RunStatusCompleted {
		t.Fatalf("run status = %s", run.Status)
	}
	if peak := atomic.LoadInt32(&gw.maxInFlight); peak > 2 || peak < 1 {
		t.Errorf("peak in-flight image calls = %d, want 1..2", peak)
	}
	if gw.imageCalls != 5 {
		t.Errorf("image calls = %d, want 5", gw.imageCalls)
	}
}

func TestRun_GatewayTimeout(t *testing.T) {
	gw := gateway.WithTimeout(&fakeGateway{blockImages: true}, 30*time.Millisecond)
	o, _ := newTestOrchestrator(gw, nil, 5)
	rec := &recorder{}

	run, _ := o.Run(context.Background(), "", acme, rec)
	if run.Status != model.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	errEv := rec.events[len(rec.events)-2].(model.ErrorEvent)
	if errEv.Reason != string(gateway.ReasonTimeout) {
		t.Errorf("reason = %s, want timeout", errEv.Reason)
	}
}

func TestRun_UsesGivenRunID(t *testing.T) {
	o, st := newTestOrchestrator(&fakeGateway{}, nil, 2)
	run, _ := o.Run(context.Background(), "fixed-id", acme, nil)
	if run.ID != "fixed-id" {
		t.Errorf("run id = %s", run.ID)
	}
	if _, err := st.Get("fixed-id"); err != nil {
		t.Error(err)
	}
}

func TestCanTransition(t *testing.T) {
	if !canTransition(model.StageCompanyAnalysis, model.StageLoadingReferences) {
		t.Error("forward transition rejected")
	}
	if canTransition(model.StageCompanyAnalysis, model.StagePromptEnhancement) {
		t.Error("skipping a stage must be rejected")
	}
	if canTransition(model.StageImageGeneration, model.StageCopyGeneration) {
		t.Error("backward transition must be rejected")
	}
	if canTransition(model.StageCompleted, model.StageFailed) || canTransition(model.StageFailed, model.StageCompleted) {
		t.Error("terminal stages must not transition")
	}
}
