package server

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/sparkbridge/internal/agent"
	"github.com/Iron-Ham/sparkbridge/internal/annotation"
	"github.com/Iron-Ham/sparkbridge/internal/event"
	"github.com/Iron-Ham/sparkbridge/internal/prompt"
	"github.com/Iron-Ham/sparkbridge/internal/router"
)

var dataURIPrefix = regexp.MustCompile(`^data:image/\w+;base64,`)

// imageClientFor returns a ready image-generation client, building one on
// first use or whenever the caller supplies a new key or model. Keys are
// remembered so follow-up requests can omit them.
func (b *Bridge) imageClientFor(apiKey, model string) (imageClient, error) {
	b.imageMu.Lock()
	defer b.imageMu.Unlock()

	if apiKey != "" {
		b.imageAPIKey = apiKey
	}
	key := b.imageAPIKey
	if key == "" {
		key = b.cfg.Image.APIKey()
	}

	if b.imageClient != nil && apiKey == "" && model == "" {
		return b.imageClient, nil
	}

	if model == "" {
		model = b.cfg.Image.Model
	}
	client, err := b.newImageClient(key, model)
	if err != nil {
		return nil, err
	}
	b.imageClient = client
	b.log.Info("image client ready", "model", model)
	return client, nil
}

func (b *Bridge) rememberImageRequest(req *annotation.ImageRequest) {
	b.imageMu.Lock()
	b.images[req.ID] = req
	b.imageMu.Unlock()
}

func (b *Bridge) lookupImageRequest(id string) *annotation.ImageRequest {
	b.imageMu.Lock()
	defer b.imageMu.Unlock()
	return b.images[id]
}

// handleImageRequest runs the analyze phase: generate candidate redesign
// images for the selected region and send them back as suggestions. In
// fast mode a single variation is generated and applied immediately.
func (b *Bridge) handleImageRequest(req *annotation.ImageRequest, peer *router.Peer, apiKey, model string, fast bool) {
	b.log.Info("image request", "id", req.ID, "fast", fast,
		"region", fmt.Sprintf("%gx%g", req.Region.Width, req.Region.Height))
	b.router.SetSender(req.ID, peer)
	b.bus.Publish(event.NewJobQueuedEvent(req.ID, "image", req.Instruction))

	client, err := b.imageClientFor(apiKey, model)
	if err != nil {
		b.log.Warn("image client unavailable", "id", req.ID, "error", err)
		b.sendImageStatus(req.ID, annotation.StatusFailed, "",
			"No Gemini API key. Enter it in the overlay panel or set "+b.cfg.Image.APIKeyEnv+".")
		return
	}

	b.sendImageStatus(req.ID, annotation.StatusAnalyzing, "", "")

	count := b.cfg.Image.Variations
	if fast {
		count = 1
	}

	start := time.Now()
	suggestions, err := client.Analyze(b.ctx, req.Screenshot, req.Instruction, count, b.imageProgressFunc(req.ID))
	if err != nil {
		b.log.Warn("image analysis failed", "id", req.ID, "duration", time.Since(start), "error", err)
		b.sendImageStatus(req.ID, annotation.StatusFailed, "", err.Error())
		return
	}

	b.rememberImageRequest(req)
	b.log.Info("image analysis complete", "id", req.ID, "suggestions", len(suggestions), "duration", time.Since(start))

	b.router.SendToSender(req.ID, annotation.ServerMessage{
		Type:        annotation.MsgBananaSuggestions,
		RequestID:   req.ID,
		Suggestions: suggestions,
	})

	if fast && len(suggestions) > 0 {
		b.sendImageStatus(req.ID, annotation.StatusApplying, "", "")
		b.handleImageApply(req.ID, &suggestions[0], peer)
		return
	}
	b.sendImageStatus(req.ID, annotation.StatusSuggestionsReady, "", "")
}

// handleImageApply replays the chosen suggestion through the agent: both
// images go to disk, the diff between them is described, and the agent is
// asked to make the source match the target.
func (b *Bridge) handleImageApply(requestID string, suggestion *annotation.Suggestion, peer *router.Peer) {
	if suggestion == nil {
		b.log.Warn("image apply without suggestion", "id", requestID)
		return
	}
	b.log.Info("image apply", "id", requestID, "suggestion", suggestion.Title)
	b.router.SetSender(requestID, peer)

	req := b.lookupImageRequest(requestID)
	if req == nil {
		b.log.Warn("image apply for unknown request", "id", requestID)
		b.sendImageStatus(requestID, annotation.StatusFailed, "",
			fmt.Sprintf("Request %s not found. It may have expired.", requestID))
		return
	}

	b.sendImageStatus(requestID, annotation.StatusApplying, "", "")
	onProgress := b.imageProgressFunc(requestID)

	originalPath, targetPath, err := writeImagePair(req.Screenshot, suggestion.Image)
	if err != nil {
		b.log.Error("saving reference images failed", "id", requestID, "error", err)
		b.sendImageStatus(requestID, annotation.StatusFailed, "", err.Error())
		return
	}
	b.log.Debug("reference images saved", "original", originalPath, "target", targetPath)

	applyPrompt := prompt.BuildImageApply(suggestion, req.Instruction, req.Region, originalPath, targetPath, req.RegionElements)

	// A textual diff of the two images gives the agent concrete changes to
	// hunt for. Losing it is not fatal; the images are still on disk.
	b.imageMu.Lock()
	client := b.imageClient
	b.imageMu.Unlock()
	if client != nil {
		if diff, err := client.DescribeDiff(b.ctx, req.Screenshot, suggestion.Image, req.Instruction, onProgress); err != nil {
			b.log.Warn("diff description failed", "id", requestID, "error", err)
		} else if diff != "" {
			applyPrompt += "\n## Observed Differences\n\n" + diff + "\n"
		}
	}

	synthetic := &annotation.Annotation{
		ID:        "banana-" + requestID,
		Timestamp: time.Now().UnixMilli(),
		Element: annotation.Element{
			Selector:        "body",
			GenericSelector: "body",
			FullPath:        "html > body",
			TagName:         "body",
			CSSClasses:      []string{},
			Attributes:      map[string]string{},
			BoundingBox:     annotation.BoundingBox(req.Region),
			ParentSelector:  "html",
		},
		Comment: req.Instruction,
		Type:    annotation.TypeClick,
		Status:  annotation.StatusProcessing,
	}

	opts := &agent.CallOptions{PromptOverride: applyPrompt, ModelOverride: b.applyModel}
	result := b.agent.Execute(b.ctx, synthetic, b.registry.ProjectRoot(peer), onProgress, nil, opts)

	if !result.Success {
		b.log.Warn("image apply failed", "id", requestID, "error", result.Error)
		b.sendImageStatus(requestID, annotation.StatusFailed, "", result.Error)
		return
	}
	b.log.Info("image applied", "id", requestID, "duration", result.Duration)
	b.sendImageStatus(requestID, annotation.StatusApplied, result.Output, "")
}

// writeImagePair decodes the two data URIs into PNG files under the
// bridge's temp directory and returns their paths.
func writeImagePair(originalURI, targetURI string) (string, string, error) {
	dir := filepath.Join(os.TempDir(), "spark-banana")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}

	id := uuid.NewString()
	originalPath := filepath.Join(dir, id+"-original.png")
	targetPath := filepath.Join(dir, id+"-target.png")

	if err := writeImageFile(originalPath, originalURI); err != nil {
		return "", "", err
	}
	if err := writeImageFile(targetPath, targetURI); err != nil {
		return "", "", err
	}
	return originalPath, targetPath, nil
}

func writeImageFile(path, dataURI string) error {
	raw, err := base64.StdEncoding.DecodeString(dataURIPrefix.ReplaceAllString(dataURI, ""))
	if err != nil {
		return fmt.Errorf("decoding image for %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, raw, 0o644)
}

func (b *Bridge) imageProgressFunc(requestID string) func(string) {
	return func(message string) {
		b.bus.Publish(event.NewJobProgressEvent(requestID, message))
		b.router.SendToSender(requestID, annotation.ServerMessage{
			Type:      annotation.MsgBananaProgress,
			RequestID: requestID,
			Message:   message,
		})
	}
}

func (b *Bridge) sendImageStatus(requestID, status, response, errMsg string) {
	b.bus.Publish(event.NewJobStatusChangedEvent(requestID, status, errMsg))
	b.router.SendToSender(requestID, annotation.ServerMessage{
		Type:      annotation.MsgBananaStatus,
		RequestID: requestID,
		Status:    status,
		Response:  response,
		Error:     errMsg,
	})
}
