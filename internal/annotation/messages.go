package annotation

import "encoding/json"

// Client->server message types.
const (
	MsgRegister         = "register"
	MsgAnnotation       = "annotation"
	MsgApprovalResponse = "approval_response"
	MsgPlanApply        = "plan_apply"
	MsgPing             = "ping"
	MsgRestartAgent     = "restart_codex"
	MsgSetModel         = "set_model"
	MsgBananaRequest    = "banana_request"
	MsgBananaApply      = "banana_apply"
)

// Server->client message types.
const (
	MsgStatus            = "status"
	MsgProgress          = "progress"
	MsgApprovalRequest   = "approval_request"
	MsgPlanVariantsReady = "plan_variants_ready"
	MsgConnected         = "connected"
	MsgPong              = "pong"
	MsgRestartComplete   = "restart_complete"
	MsgBananaSuggestions = "banana_suggestions"
	MsgBananaStatus      = "banana_status"
	MsgBananaProgress    = "banana_progress"
)

// ClientMessage is one inbound WebSocket frame. Type discriminates which
// of the optional fields are meaningful.
type ClientMessage struct {
	Type string `json:"type"`

	// register
	ProjectRoot string `json:"projectRoot,omitempty"`

	// annotation / banana_request payload; shape depends on Type.
	Payload json.RawMessage `json:"payload,omitempty"`
	Plan    bool            `json:"plan,omitempty"`

	// approval_response / plan_apply
	AnnotationID string `json:"annotationId,omitempty"`
	Approved     bool   `json:"approved,omitempty"`
	Approach     string `json:"approach,omitempty"`

	// set_model
	Model string `json:"model,omitempty"`

	// banana_request
	APIKey string `json:"apiKey,omitempty"`
	Fast   bool   `json:"fast,omitempty"`

	// banana_apply
	RequestID  string      `json:"requestId,omitempty"`
	Suggestion *Suggestion `json:"suggestion,omitempty"`
}

// ServerMessage is one outbound WebSocket frame.
type ServerMessage struct {
	Type string `json:"type"`

	AnnotationID string        `json:"annotationId,omitempty"`
	Status       string        `json:"status,omitempty"`
	Error        string        `json:"error,omitempty"`
	Response     string        `json:"response,omitempty"`
	Message      string        `json:"message,omitempty"`
	Command      string        `json:"command,omitempty"`
	Variants     []PlanVariant `json:"variants,omitempty"`

	// restart_complete
	Success bool `json:"success,omitempty"`

	// banana_*
	RequestID   string       `json:"requestId,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}
