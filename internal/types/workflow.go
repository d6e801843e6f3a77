package types

// Message is one chat turn supplied by the caller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunRequest is the inbound body of a workflow run.
type RunRequest struct {
	WorkflowID string    `json:"workflow_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	Messages   []Message `json:"messages"`
	Stream     bool      `json:"stream,omitempty"`
}

// FlowRequest is the body posted to the workflow backend. InputValue is
// either a plain string or a structured object.
type FlowRequest struct {
	InputValue any    `json:"input_value"`
	InputType  string `json:"input_type"`
	OutputType string `json:"output_type"`
}

// NewFlowRequest builds a chat-typed upstream request.
func NewFlowRequest(input any) FlowRequest {
	return FlowRequest{InputValue: input, InputType: "chat", OutputType: "chat"}
}

// ErrorResponse is the error envelope returned to callers, both as a JSON
// body and as an in-band SSE frame.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail holds the caller-facing message.
type ErrorDetail struct {
	Detail string `json:"detail"`
}

// TokenFrame carries one streamed text fragment.
type TokenFrame struct {
	Event string    `json:"event"`
	Data  TokenData `json:"data"`
}

// TokenData is the payload of a TokenFrame.
type TokenData struct {
	Chunk     string `json:"chunk"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
}

// CompleteFrame is the single terminal frame with the full response text.
type CompleteFrame struct {
	ID        string `json:"id"`
	Complete  bool   `json:"complete"`
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
}

// Dataset is one knowledge base exposed by the search service.
type Dataset struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Avatar      string         `json:"avatar"`
	VectorModel map[string]any `json:"vectorModel"`
	Tags        []any          `json:"tags"`
	CreateTime  string         `json:"createTime"`
	UpdateTime  string         `json:"updateTime"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
}

// APIKeysView is the masked view of configured credentials.
type APIKeysView struct {
	LangflowAPIKeyMasked string `json:"langflow_api_key_masked,omitempty"`
	LangflowBaseURL      string `json:"langflow_base_url,omitempty"`
	LangflowAuthScheme   string `json:"langflow_auth_scheme"`
	FastGPTAPIKeyMasked  string `json:"fastgpt_api_key_masked,omitempty"`
	FastGPTBaseURL       string `json:"fastgpt_base_url,omitempty"`
}
