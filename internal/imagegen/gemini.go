// Package imagegen generates improved UI images from screenshots via the
// Gemini generateContent API.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Iron-Ham/sparkbridge/internal/annotation"
	"github.com/Iron-Ham/sparkbridge/internal/errors"
	"github.com/Iron-Ham/sparkbridge/internal/logging"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

const basePrompt = `You are a senior UI/UX designer. Given the screenshot of a UI and the user's instruction, generate an improved version of the UI as an image.

Rules:
1. Generate a NEW image showing the improved UI based on the instruction.
2. Keep the same general layout and dimensions unless the instruction asks for a redesign.
3. Make the improvement visually clear and polished.
4. Also provide a brief text description of what you changed (1-2 sentences).`

// dataURIPrefix strips "data:image/png;base64," style prefixes.
var dataURIPrefix = regexp.MustCompile(`^data:image/\w+;base64,`)

// variation is one generation strategy. The emphasis steers the model
// toward a distinct direction so the three options don't converge.
type variation struct {
	Label    string
	Emphasis string
}

var variations = []variation{
	{Label: "A", Emphasis: ""},
	{Label: "B", Emphasis: "Take a bolder, more creative approach. "},
	{Label: "C", Emphasis: "Focus on minimal, subtle refinements. "},
}

// ProgressFunc receives human-readable progress lines during generation.
type ProgressFunc func(message string)

// Client talks to the Gemini image generation API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	httpc   *http.Client
	timeout time.Duration
	log     *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Used by tests against httptest
// servers.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpc = hc
	}
}

// WithTimeout bounds each generateContent round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New creates a Client. The API key is required.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.ErrNoAPIKey
	}
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		httpc:   &http.Client{},
		timeout: 90 * time.Second,
		log:     logging.Default().WithComponent("imagegen"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log.Info("image client initialized", "model", c.model)
	return c, nil
}

// Gemini generateContent wire types.

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	ResponseMimeType   string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Analyze generates up to count improved-UI images for the screenshot.
// Variations run concurrently; it fails only when every variation fails.
func (c *Client) Analyze(ctx context.Context, screenshotBase64, instruction string, count int, onProgress ProgressFunc) ([]annotation.Suggestion, error) {
	if count < 1 || count > len(variations) {
		count = len(variations)
	}
	base64Data := dataURIPrefix.ReplaceAllString(screenshotBase64, "")

	c.log.Info("analyze started",
		"screenshot_kb", len(base64Data)*3/4/1024,
		"instruction", truncate(instruction, 60),
		"count", count)
	if onProgress != nil {
		plural := ""
		if count > 1 {
			plural = "s"
		}
		onProgress(fmt.Sprintf("Generating UI variation%s (model: %s)...", plural, c.model))
	}

	selected := variations[:count]

	type outcome struct {
		index       int
		image       string
		description string
		err         error
	}

	results := make([]outcome, count)
	var wg sync.WaitGroup
	for i, v := range selected {
		wg.Add(1)
		go func(i int, v variation) {
			defer wg.Done()
			progress := func(msg string) {
				if onProgress != nil {
					onProgress(fmt.Sprintf("[%s] %s", v.Label, msg))
				}
			}
			image, description, err := c.generateImage(ctx, base64Data, instruction, v, progress)
			results[i] = outcome{index: i, image: image, description: description, err: err}
		}(i, v)
	}
	wg.Wait()

	var suggestions []annotation.Suggestion
	var failures []string
	for i, res := range results {
		label := selected[i].Label
		if res.err != nil {
			c.log.Warn("variation failed", "variant", label, "error", res.err)
			failures = append(failures, fmt.Sprintf("%s: %v", label, res.err))
			if onProgress != nil {
				onProgress(fmt.Sprintf("[%s] Failed: %s", label, truncate(res.err.Error(), 100)))
			}
			continue
		}
		suggestions = append(suggestions, annotation.Suggestion{
			ID:          "suggestion-" + uuid.NewString(),
			Title:       "Option " + label,
			Description: res.description,
			Image:       res.image,
		})
	}

	if len(suggestions) == 0 {
		return nil, errors.NewImageError(strings.Join(failures, "; "), errors.ErrAllVariantsFailed).WithModel(c.model)
	}

	c.log.Info("analyze complete", "succeeded", len(suggestions), "attempted", count)
	if onProgress != nil {
		onProgress(fmt.Sprintf("Generated %d UI variations.", len(suggestions)))
	}
	return suggestions, nil
}

// generateImage runs one variation and returns the image data URI and the
// model's text description.
func (c *Client) generateImage(ctx context.Context, base64Data, instruction string, v variation, onProgress ProgressFunc) (string, string, error) {
	prompt := fmt.Sprintf("%s\n\n%sUser instruction: %q\n\nGenerate the improved UI image now.", basePrompt, v.Emphasis, instruction)

	req := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &inlineData{MimeType: "image/png", Data: base64Data}},
			},
		}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	}

	if onProgress != nil {
		onProgress("Sending to Gemini...")
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return "", "", err
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		reason := "no candidates"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			reason = resp.Candidates[0].FinishReason
		}
		return "", "", fmt.Errorf("empty response (%s)", reason)
	}

	var image, description string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			image = fmt.Sprintf("data:%s;base64,%s", part.InlineData.MimeType, part.InlineData.Data)
		}
		if part.Text != "" {
			description += part.Text
		}
	}

	if image == "" {
		return "", "", errors.New("response contained no image")
	}

	if onProgress != nil {
		onProgress("Image generated!")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = "UI improvement"
	}
	return image, description, nil
}

// DescribeDiff compares the original and target screenshots and returns a
// numbered list of visual differences detailed enough to implement in
// code without seeing the images.
func (c *Client) DescribeDiff(ctx context.Context, originalBase64, targetBase64, instruction string, onProgress ProgressFunc) (string, error) {
	if onProgress != nil {
		onProgress("Analyzing visual differences...")
	}

	origData := dataURIPrefix.ReplaceAllString(originalBase64, "")
	targetData := dataURIPrefix.ReplaceAllString(targetBase64, "")

	prompt := fmt.Sprintf(`You are a front-end engineer. Compare the ORIGINAL UI screenshot (first image) with the TARGET UI screenshot (second image).

The user requested: %q

Produce a detailed, actionable description of EVERY visual difference. Be specific enough that a developer can implement the changes in code WITHOUT seeing the images. Include:
- Exact color changes (e.g. "background changed from #fff to #1a1a2e")
- Layout/spacing changes (e.g. "padding increased from ~8px to ~16px")
- Typography changes (font size, weight, color)
- New/removed/moved elements
- Border, shadow, border-radius changes
- Any other visual differences

Format as a numbered list. Be precise and exhaustive.`, instruction)

	req := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &inlineData{MimeType: "image/png", Data: origData}},
				{InlineData: &inlineData{MimeType: "image/png", Data: targetData}},
			},
		}},
		GenerationConfig: generationConfig{
			ResponseMimeType: "text/plain",
		},
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "describe diff")
	}

	var text strings.Builder
	if len(resp.Candidates) > 0 {
		for _, part := range resp.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
	}

	result := strings.TrimSpace(text.String())
	if result == "" {
		return "", errors.New("diff description came back empty")
	}

	c.log.Info("diff described", "chars", len(result))
	if onProgress != nil {
		onProgress("Visual diff analysis complete.")
	}
	return result, nil
}

// post sends one generateContent request and decodes the response.
func (c *Client) post(ctx context.Context, body geminiRequest) (*geminiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	start := time.Now()
	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewTimeoutError("gemini request", c.timeout)
		}
		return nil, fmt.Errorf("gemini request failed after %.1fs: %w", time.Since(start).Seconds(), err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	var resp geminiResponse
	if httpResp.StatusCode != http.StatusOK {
		detail := string(raw)
		if json.Unmarshal(raw, &resp) == nil && resp.Error != nil {
			detail = resp.Error.Message
		}
		return nil, fmt.Errorf("gemini %d: %s", httpResp.StatusCode, truncate(detail, 200))
	}

	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}
	return &resp, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
