package cloud

// ResponseRequest is the body of POST /responses.
type ResponseRequest struct {
	Model        string       `json:"model"`
	Instructions string       `json:"instructions,omitempty"`
	Input        []InputItem  `json:"input"`
	Text         *TextOptions `json:"text,omitempty"`
}

// InputItem is one conversation turn sent as input.
type InputItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextOptions configures the output text format.
type TextOptions struct {
	Format TextFormat `json:"format"`
}

// TextFormat requests structured output. Type is "json_schema" when Schema is set.
type TextFormat struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	Schema any    `json:"schema,omitempty"`
	Strict bool   `json:"strict,omitempty"`
}

// Response is the decoded body returned by POST /responses.
type Response struct {
	ID     string       `json:"id"`
	Model  string       `json:"model,omitempty"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output"`
	Error  *APIError    `json:"error,omitempty"`
}

// OutputItem is one element of Response.Output. Reasoning and tool items are
// decoded but carry no content.
type OutputItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is a typed fragment of a message item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// APIError is the error object embedded in failed responses.
type APIError struct {
	Code    any    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Messages returns a copy of r that keeps only message items, in order.
func (r *Response) Messages() *Response {
	out := &Response{ID: r.ID, Model: r.Model, Status: r.Status}
	for _, item := range r.Output {
		if item.Type == "message" {
			out.Output = append(out.Output, item)
		}
	}
	return out
}

// Model represents a model entry returned by the /models endpoint.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the response from /models.
type ModelList struct {
	Object string  `json:"object,omitempty"`
	Data   []Model `json:"data"`
}
