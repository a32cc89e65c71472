package server

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/sparkbridge/internal/annotation"
	"github.com/Iron-Ham/sparkbridge/internal/errors"
	"github.com/Iron-Ham/sparkbridge/internal/imagegen"
)

// fakeImageClient scripts the image-generation API.
type fakeImageClient struct {
	mu       sync.Mutex
	analyzed []string // instructions
	counts   []int

	analyzeFn func(count int, onProgress imagegen.ProgressFunc) ([]annotation.Suggestion, error)
	diff      string
	diffErr   error
}

func (f *fakeImageClient) Analyze(_ context.Context, _ string, instruction string, count int, onProgress imagegen.ProgressFunc) ([]annotation.Suggestion, error) {
	f.mu.Lock()
	f.analyzed = append(f.analyzed, instruction)
	f.counts = append(f.counts, count)
	fn := f.analyzeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(count, onProgress)
	}
	out := make([]annotation.Suggestion, count)
	for i := range out {
		out[i] = annotation.Suggestion{
			ID:          "s-" + string(rune('a'+i)),
			Title:       "Option " + string(rune('A'+i)),
			Description: "variant",
			Image:       "data:image/png;base64,aGVsbG8=",
		}
	}
	return out, nil
}

func (f *fakeImageClient) DescribeDiff(context.Context, string, string, string, imagegen.ProgressFunc) (string, error) {
	return f.diff, f.diffErr
}

func newImageBridge(t *testing.T) (*Bridge, *fakeAgent, *fakeImageClient) {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "")
	b, fa := newTestBridge(t, nil)
	fic := &fakeImageClient{}
	b.newImageClient = func(apiKey, model string) (imageClient, error) {
		if apiKey == "" {
			return nil, errors.ErrNoAPIKey
		}
		return fic, nil
	}
	return b, fa, fic
}

func testImageRequest(id string) *annotation.ImageRequest {
	return &annotation.ImageRequest{
		ID:          id,
		Screenshot:  "data:image/png;base64,b3JpZ2luYWw=",
		Region:      annotation.Region{X: 10, Y: 20, Width: 300, Height: 200},
		Instruction: "make the card pop",
	}
}

func TestImageRequest_MissingAPIKey(t *testing.T) {
	b, _, _ := newImageBridge(t)
	peer, conn := connect(b)

	b.handleImageRequest(testImageRequest("img-1"), peer, "", "", false)

	frames := conn.snapshot()
	if !hasStatus(frames, annotation.MsgBananaStatus, annotation.StatusFailed) {
		t.Fatalf("frames = %+v, want failed banana_status", frames)
	}
	for _, f := range frames {
		if f.Status == annotation.StatusFailed && !strings.Contains(f.Error, "GEMINI_API_KEY") {
			t.Errorf("error = %q, want API key hint", f.Error)
		}
	}
}

func TestImageRequest_SuggestionsReady(t *testing.T) {
	b, _, fic := newImageBridge(t)
	peer, conn := connect(b)

	b.handleImageRequest(testImageRequest("img-2"), peer, "key-1", "", false)

	frames := conn.snapshot()
	if !hasStatus(frames, annotation.MsgBananaStatus, annotation.StatusAnalyzing) {
		t.Error("missing analyzing status")
	}
	if !hasStatus(frames, annotation.MsgBananaStatus, annotation.StatusSuggestionsReady) {
		t.Error("missing suggestions_ready status")
	}
	var suggested int
	for _, f := range frames {
		if f.Type == annotation.MsgBananaSuggestions && f.RequestID == "img-2" {
			suggested = len(f.Suggestions)
		}
	}
	if suggested != 3 {
		t.Errorf("suggestions = %d, want 3", suggested)
	}

	fic.mu.Lock()
	defer fic.mu.Unlock()
	if len(fic.counts) != 1 || fic.counts[0] != 3 {
		t.Errorf("analyze counts = %v, want [3]", fic.counts)
	}
}

func TestImageRequest_FastModeAutoApplies(t *testing.T) {
	b, fa, fic := newImageBridge(t)
	fic.diff = "1. Background darkened"
	peer, conn := connect(b)

	b.handleImageRequest(testImageRequest("img-3"), peer, "key-1", "", true)

	frames := conn.snapshot()
	if !hasStatus(frames, annotation.MsgBananaStatus, annotation.StatusApplying) {
		t.Error("fast mode should enter applying")
	}
	if !hasStatus(frames, annotation.MsgBananaStatus, annotation.StatusApplied) {
		t.Fatalf("frames = %+v, want applied", frames)
	}

	fic.mu.Lock()
	count := fic.counts[0]
	fic.mu.Unlock()
	if count != 1 {
		t.Errorf("fast mode analyze count = %d, want 1", count)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.executes) != 1 {
		t.Fatalf("executes = %d, want 1", len(fa.executes))
	}
	call := fa.executes[0]
	if call.ann.ID != "banana-img-3" {
		t.Errorf("synthetic annotation id = %q", call.ann.ID)
	}
	if call.opts == nil || !strings.Contains(call.opts.PromptOverride, "UI Redesign Request") {
		t.Error("image apply should override the prompt")
	}
	if !strings.Contains(call.opts.PromptOverride, "Background darkened") {
		t.Error("prompt should carry the described diff")
	}
}

func TestImageApply_UnknownRequest(t *testing.T) {
	b, _, _ := newImageBridge(t)
	peer, conn := connect(b)

	b.handleImageApply("img-missing", &annotation.Suggestion{Title: "Option A"}, peer)

	frames := conn.snapshot()
	if !hasStatus(frames, annotation.MsgBananaStatus, annotation.StatusFailed) {
		t.Fatalf("frames = %+v, want failed", frames)
	}
	for _, f := range frames {
		if f.Status == annotation.StatusFailed && !strings.Contains(f.Error, "not found") {
			t.Errorf("error = %q", f.Error)
		}
	}
}

func TestImageApply_DiffFailureIsNotFatal(t *testing.T) {
	b, fa, fic := newImageBridge(t)
	fic.diffErr = errors.New("quota exceeded")
	peer, conn := connect(b)

	b.handleImageRequest(testImageRequest("img-4"), peer, "key-1", "", false)
	sg := &annotation.Suggestion{Title: "Option A", Description: "variant", Image: "data:image/png;base64,dGFyZ2V0"}
	b.handleImageApply("img-4", sg, peer)

	frames := conn.snapshot()
	if !hasStatus(frames, annotation.MsgBananaStatus, annotation.StatusApplied) {
		t.Fatalf("frames = %+v, want applied despite diff failure", frames)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if strings.Contains(fa.executes[0].opts.PromptOverride, "Observed Differences") {
		t.Error("failed diff must not leave an empty section in the prompt")
	}
}

func TestImageRequest_AnalyzeFailure(t *testing.T) {
	b, _, fic := newImageBridge(t)
	fic.analyzeFn = func(int, imagegen.ProgressFunc) ([]annotation.Suggestion, error) {
		return nil, errors.NewImageError("all image variations failed", errors.ErrAllVariantsFailed)
	}
	peer, conn := connect(b)

	b.handleImageRequest(testImageRequest("img-5"), peer, "key-1", "", false)

	frames := conn.snapshot()
	if !hasStatus(frames, annotation.MsgBananaStatus, annotation.StatusFailed) {
		t.Fatalf("frames = %+v, want failed", frames)
	}
}

func TestImageApply_AppliesViaAgent(t *testing.T) {
	b, fa, _ := newImageBridge(t)
	b.SetApplyModel("gpt-5.1-codex")
	peer, conn := connect(b)

	b.handleImageRequest(testImageRequest("img-6"), peer, "key-1", "", false)
	sg := &annotation.Suggestion{Title: "Option B", Description: "bolder", Image: "data:image/png;base64,dGFyZ2V0"}
	b.handleImageApply("img-6", sg, peer)

	if !hasStatus(conn.snapshot(), annotation.MsgBananaStatus, annotation.StatusApplied) {
		t.Fatal("missing applied status")
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	call := fa.executes[0]
	if call.opts.ModelOverride != "gpt-5.1-codex" {
		t.Errorf("model override = %q", call.opts.ModelOverride)
	}
	if call.ann.Comment != "make the card pop" {
		t.Errorf("synthetic comment = %q", call.ann.Comment)
	}
	if call.ann.Element.BoundingBox.Width != 300 {
		t.Errorf("bounding box = %+v, want region copied", call.ann.Element.BoundingBox)
	}
	if !strings.Contains(call.opts.PromptOverride, "-original.png") || !strings.Contains(call.opts.PromptOverride, "-target.png") {
		t.Error("prompt should reference the saved image files")
	}
}
