package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/model"
	"github.com/aliskhannn/image-pipeline/internal/modification"
	jobrepo "github.com/aliskhannn/image-pipeline/internal/repository/job"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

type recordedPatch struct {
	id    string
	patch model.Patch
}

type fakeStore struct {
	mu      sync.Mutex
	patches []recordedPatch
	// failWith, when set, decides the error returned for a patch.
	failWith func(p model.Patch) error
}

func (s *fakeStore) Update(_ context.Context, id string, p model.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		if err := s.failWith(p); err != nil {
			return err
		}
	}
	s.patches = append(s.patches, recordedPatch{id: id, patch: p})
	return nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status model.Status, errorMessage string, completedAt *time.Time) error {
	p := model.Patch{Status: &status, CompletedAt: completedAt}
	if errorMessage != "" {
		p.ErrorMessage = &errorMessage
	}
	return s.Update(ctx, id, p)
}

func (s *fakeStore) steps() []int {
	var out []int
	for _, r := range s.patches {
		if r.patch.CurrentStep != nil {
			out = append(out, *r.patch.CurrentStep)
		}
	}
	return out
}

func (s *fakeStore) last() model.Patch {
	if len(s.patches) == 0 {
		return model.Patch{}
	}
	return s.patches[len(s.patches)-1].patch
}

type fakeUploader struct {
	path    string
	content []byte
	err     error
}

func (u *fakeUploader) UploadFile(_ context.Context, localPath string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	u.path = localPath
	u.content = data
	return "https://storage.example/" + filepath.Base(localPath), nil
}

type fakeDownloader struct {
	body []byte
	err  error
	dst  string
}

func (d *fakeDownloader) Download(_ context.Context, _ string, dst string) (int64, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.dst = dst
	if err := os.WriteFile(dst, d.body, 0o644); err != nil {
		return 0, err
	}
	return int64(len(d.body)), nil
}

// tagModification appends its id to the input bytes, so the uploaded content
// shows which steps ran and in what order.
type tagModification struct {
	id    string
	calls *[]modification.Payload
}

func (m tagModification) ID() string { return m.id }

func (m tagModification) Validate(modification.Payload) error { return nil }

func (m tagModification) Apply(_ context.Context, p modification.Payload) (modification.Result, error) {
	*m.calls = append(*m.calls, p)
	data, err := os.ReadFile(p.Input)
	if err != nil {
		return modification.Result{}, err
	}
	if err := os.WriteFile(p.Output, append(data, []byte("|"+m.id)...), 0o644); err != nil {
		return modification.Result{}, err
	}
	return modification.Result{Output: p.Output}, nil
}

type harness struct {
	engine     *Engine
	store      *fakeStore
	uploader   *fakeUploader
	downloader *fakeDownloader
	root       string
	calls      []modification.Payload
}

func newHarness(t *testing.T, mods ...string) *harness {
	t.Helper()

	h := &harness{
		store:      &fakeStore{},
		uploader:   &fakeUploader{},
		downloader: &fakeDownloader{body: []byte("source")},
		root:       t.TempDir(),
	}

	list := make([]modification.Modification, 0, len(mods))
	for _, id := range mods {
		list = append(list, tagModification{id: id, calls: &h.calls})
	}
	registry, err := modification.NewRegistry(list...)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	h.engine = New(h.store, h.uploader, h.downloader, registry, NewWorkspaces(h.root))
	return h
}

func message(id string, steps ...model.Step) model.Message {
	return model.Message{
		JobID: id,
		Data: model.Submission{
			URL:            "https://x/img.jpg",
			ChangesToApply: steps,
			TotalSteps:     model.TotalSteps(len(steps)),
		},
	}
}

func assertWorkspaceGone(t *testing.T, root, id string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(root, id)); !os.IsNotExist(err) {
		t.Fatalf("expected workspace %s to be removed, stat err: %v", id, err)
	}
}

func assertNonDecreasing(t *testing.T, steps []int) {
	t.Helper()
	for i := 1; i < len(steps); i++ {
		if steps[i] < steps[i-1] {
			t.Fatalf("current step decreased: %v", steps)
		}
	}
}

func TestProcessRunsChainInOrder(t *testing.T) {
	h := newHarness(t, "first", "second")
	msg := message("job-1",
		model.Step{Action: "first", FileOutput: "a-1.jpg"},
		model.Step{Action: "second", FileOutput: "a-2.jpg"},
	)

	if err := h.engine.Process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(h.calls) != 2 {
		t.Fatalf("expected 2 applied steps, got %d", len(h.calls))
	}
	if h.calls[0].Input != h.downloader.dst {
		t.Fatalf("expected first step to read staged source %q, got %q", h.downloader.dst, h.calls[0].Input)
	}
	if h.calls[1].Input != h.calls[0].Output {
		t.Fatalf("expected second step to read %q, got %q", h.calls[0].Output, h.calls[1].Input)
	}
	if got := filepath.Base(h.uploader.path); got != "a-2.jpg" {
		t.Fatalf("expected last step output to be uploaded, got %q", got)
	}
	if got := string(h.uploader.content); got != "source|first|second" {
		t.Fatalf("unexpected uploaded content %q", got)
	}

	last := h.store.last()
	if last.Status == nil || *last.Status != model.StatusCompleted {
		t.Fatalf("expected completed status in final patch, got %+v", last)
	}
	if last.FinalURL == nil || *last.FinalURL != "https://storage.example/a-2.jpg" {
		t.Fatalf("unexpected final url %+v", last.FinalURL)
	}
	if last.CompletedAt == nil {
		t.Fatal("expected completedAt to be set")
	}
	if last.CurrentStep == nil || *last.CurrentStep != 7 {
		t.Fatalf("expected current step 7, got %+v", last.CurrentStep)
	}

	steps := h.store.steps()
	assertNonDecreasing(t, steps)
	if want := []int{2, 3, 5, 6, 7}; fmt.Sprint(steps) != fmt.Sprint(want) {
		t.Fatalf("expected milestones %v, got %v", want, steps)
	}
	assertWorkspaceGone(t, h.root, "job-1")
}

func TestProcessMarksProcessingBeforeDownload(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Process(context.Background(), message("job-2")); err != nil {
		t.Fatalf("process: %v", err)
	}

	var statuses []model.Status
	for _, r := range h.store.patches {
		if r.patch.Status != nil {
			statuses = append(statuses, *r.patch.Status)
		}
	}
	want := []model.Status{model.StatusProcessing, model.StatusCompleted}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Fatalf("expected statuses %v, got %v", want, statuses)
	}
}

func TestProcessEmptyChainUploadsSource(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Process(context.Background(), message("job-3")); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := string(h.uploader.content); got != "source" {
		t.Fatalf("expected source to be uploaded unchanged, got %q", got)
	}
	if got := filepath.Base(h.uploader.path); got != "job-3.jpg" {
		t.Fatalf("expected staged source name job-3.jpg, got %q", got)
	}
	if last := h.store.last(); last.CurrentStep == nil || *last.CurrentStep != 5 {
		t.Fatalf("expected current step 5, got %+v", last.CurrentStep)
	}
	assertWorkspaceGone(t, h.root, "job-3")
}

func TestProcessDownloadFailureMarksFailed(t *testing.T) {
	h := newHarness(t, "first")
	h.downloader.err = errors.New("download: unexpected status 404")

	err := h.engine.Process(context.Background(), message("job-4", model.Step{Action: "first", FileOutput: "o.jpg"}))
	if err == nil {
		t.Fatal("expected error")
	}

	last := h.store.last()
	if last.Status == nil || *last.Status != model.StatusFailed {
		t.Fatalf("expected failed status, got %+v", last)
	}
	if last.ErrorMessage == nil || *last.ErrorMessage != "download: unexpected status 404" {
		t.Fatalf("unexpected error message %+v", last.ErrorMessage)
	}
	if len(h.calls) != 0 {
		t.Fatalf("expected no steps applied, got %d", len(h.calls))
	}
	if h.uploader.path != "" {
		t.Fatal("expected nothing uploaded")
	}
	assertWorkspaceGone(t, h.root, "job-4")
}

func TestProcessUnknownActionIsFatal(t *testing.T) {
	h := newHarness(t)

	err := h.engine.Process(context.Background(), message("job-5", model.Step{Action: "blur", FileOutput: "o.jpg"}))
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err.Error() != "Type change blur not found" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if last := h.store.last(); last.Status == nil || *last.Status != model.StatusFailed {
		t.Fatalf("expected failed status, got %+v", last)
	}
	assertWorkspaceGone(t, h.root, "job-5")
}

func TestProcessUploadFailure(t *testing.T) {
	h := newHarness(t, "first")
	h.uploader.err = errors.New("bucket unavailable")

	err := h.engine.Process(context.Background(), message("job-6", model.Step{Action: "first", FileOutput: "o.jpg"}))
	if err == nil || err.Error() != "upload: bucket unavailable" {
		t.Fatalf("expected upload error, got %v", err)
	}
	last := h.store.last()
	if last.ErrorMessage == nil || *last.ErrorMessage != "upload: bucket unavailable" {
		t.Fatalf("unexpected error message %+v", last.ErrorMessage)
	}
	assertWorkspaceGone(t, h.root, "job-6")
}

func TestProcessCleansUpWhenFailureCannotBeRecorded(t *testing.T) {
	h := newHarness(t)
	h.downloader.err = errors.New("timeout")
	h.store.failWith = func(p model.Patch) error {
		if p.Status != nil && *p.Status == model.StatusFailed {
			return errors.New("store down")
		}
		return nil
	}

	err := h.engine.Process(context.Background(), message("job-7"))
	if err == nil || err.Error() != "timeout" {
		t.Fatalf("expected original cause, got %v", err)
	}
	assertWorkspaceGone(t, h.root, "job-7")
}

func TestProcessSkipsCompletedJob(t *testing.T) {
	h := newHarness(t)
	h.store.failWith = func(model.Patch) error { return jobrepo.ErrJobFinalized }

	if err := h.engine.Process(context.Background(), message("job-8")); err != nil {
		t.Fatalf("expected redelivery of completed job to succeed, got %v", err)
	}
	if h.downloader.dst != "" {
		t.Fatal("expected no download for a completed job")
	}
	assertWorkspaceGone(t, h.root, "job-8")
}

func TestProcessRetryStartsFromScratch(t *testing.T) {
	h := newHarness(t, "first")
	h.downloader.err = errors.New("connection reset")
	msg := message("job-9", model.Step{Action: "first", FileOutput: "o.jpg"})

	if err := h.engine.Process(context.Background(), msg); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	h.downloader.err = nil
	if err := h.engine.Process(context.Background(), msg); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if len(h.calls) != 1 {
		t.Fatalf("expected step applied once, got %d", len(h.calls))
	}
	if last := h.store.last(); last.Status == nil || *last.Status != model.StatusCompleted {
		t.Fatalf("expected completed after retry, got %+v", last)
	}
}

func TestProcessWithImageModifications(t *testing.T) {
	var buf bytes.Buffer
	src := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		for y := 0; y < 20; y++ {
			src.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	registry, err := modification.NewRegistry(modification.NewResize(), modification.NewGrayscale())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	store := &fakeStore{}
	root := t.TempDir()
	var uploaded image.Image
	up := uploaderFunc(func(_ context.Context, p string) (string, error) {
		img, err := imaging.Open(p)
		if err != nil {
			return "", err
		}
		uploaded = img
		return "https://storage.example/out.jpg", nil
	})
	e := New(store, up, &fakeDownloader{body: buf.Bytes()}, registry, NewWorkspaces(root))

	msg := model.Message{
		JobID: "job-10",
		Data: model.Submission{
			URL: "https://x/img.png",
			ChangesToApply: []model.Step{
				{Action: "resize", Params: map[string]any{"width": float64(10), "height": float64(5)}, FileOutput: "c-1.jpg"},
				{Action: "grayscale", FileOutput: "c-2.jpg"},
			},
			TotalSteps: 7,
		},
	}

	if err := e.Process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	if uploaded == nil {
		t.Fatal("expected upload")
	}
	if b := uploaded.Bounds(); b.Dx() != 10 || b.Dy() != 5 {
		t.Fatalf("expected 10x5 image, got %dx%d", b.Dx(), b.Dy())
	}
	r, g, bl, _ := uploaded.At(5, 2).RGBA()
	if diff(r, g) > 0x0800 || diff(g, bl) > 0x0800 {
		t.Fatalf("expected gray pixel, got %d %d %d", r, g, bl)
	}
	assertWorkspaceGone(t, root, "job-10")
}

type uploaderFunc func(ctx context.Context, localPath string) (string, error)

func (f uploaderFunc) UploadFile(ctx context.Context, localPath string) (string, error) {
	return f(ctx, localPath)
}

func diff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// panicModification fails the way a buggy transformation would.
type panicModification struct{}

func (panicModification) ID() string { return "explode" }

func (panicModification) Validate(modification.Payload) error { return nil }

func (panicModification) Apply(context.Context, modification.Payload) (modification.Result, error) {
	var m map[string]int
	m["boom"] = 1
	return modification.Result{}, nil
}

func TestProcessPanicMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	registry, err := modification.NewRegistry(panicModification{})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	h.engine = New(h.store, h.uploader, h.downloader, registry, NewWorkspaces(h.root))

	err = h.engine.Process(context.Background(), message("job-9", model.Step{Action: "explode", FileOutput: "a-1.jpg"}))
	if err == nil {
		t.Fatal("expected an error from a panicking step")
	}
	if !strings.HasPrefix(err.Error(), "panic: ") {
		t.Fatalf("expected panic error, got %v", err)
	}

	last := h.store.last()
	if last.Status == nil || *last.Status != model.StatusFailed {
		t.Fatalf("expected job marked failed, got %+v", last)
	}
	if last.ErrorMessage == nil || *last.ErrorMessage != err.Error() {
		t.Fatalf("expected error message %q, got %v", err.Error(), last.ErrorMessage)
	}
	if h.uploader.path != "" {
		t.Fatalf("expected nothing uploaded, got %s", h.uploader.path)
	}
	assertWorkspaceGone(t, h.root, "job-9")
}
