// Package annotation defines the data model shared between the bridge
// server and browser clients: annotation jobs, image-generation requests,
// plan variants, and the WebSocket message taxonomy.
package annotation

// Status values for an annotation job's lifecycle.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusApplied    = "applied"
	StatusFailed     = "failed"
)

// Additional status values used by image requests.
const (
	StatusAnalyzing        = "analyzing"
	StatusSuggestionsReady = "suggestions_ready"
	StatusApplying         = "applying"
)

// Annotation types.
const (
	TypeClick      = "click"
	TypeTextSelect = "text-select"
)

// BoundingBox is the element's position and size in page coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element describes the DOM node an annotation targets, as captured by
// the browser overlay at click time.
type Element struct {
	Selector        string            `json:"selector"`
	GenericSelector string            `json:"genericSelector"`
	FullPath        string            `json:"fullPath"`
	TagName         string            `json:"tagName"`
	TextContent     string            `json:"textContent"`
	CSSClasses      []string          `json:"cssClasses"`
	Attributes      map[string]string `json:"attributes"`
	BoundingBox     BoundingBox       `json:"boundingBox"`
	ParentSelector  string            `json:"parentSelector"`
	NearbyText      string            `json:"nearbyText"`
}

// Annotation is one user-submitted UI-fix request.
type Annotation struct {
	ID           string  `json:"id"`
	Timestamp    int64   `json:"timestamp"`
	Element      Element `json:"element"`
	Comment      string  `json:"comment"`
	Type         string  `json:"type"`
	SelectedText string  `json:"selectedText,omitempty"`
	Status       string  `json:"status"`
	Error        string  `json:"error,omitempty"`
	Response     string  `json:"response,omitempty"`
	ThreadID     string  `json:"threadId,omitempty"`
}

// Region is a rectangle in page coordinates.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ImageRequest is one region-based screenshot request routed through the
// image-generation service. The screenshot is an opaque base64 data URI.
type ImageRequest struct {
	ID             string `json:"id"`
	Timestamp      int64  `json:"timestamp"`
	Screenshot     string `json:"screenshot"`
	Region         Region `json:"region"`
	Instruction    string `json:"instruction"`
	RegionElements string `json:"regionElements,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	Response       string `json:"response,omitempty"`
}

// Suggestion is one candidate UI image produced for an ImageRequest.
type Suggestion struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// PlanVariant is one implementation approach recovered from the plan
// metadata block embedded in agent output.
type PlanVariant struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
}
