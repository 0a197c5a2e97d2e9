package provider

import "encoding/json"

// GenerateRequest is the uniform request shape sent to every configured
// provider endpoint. Individual providers are expected to sit behind a
// small translation proxy or to speak this shape natively.
type GenerateRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature,omitempty"`
	Grounding   bool     `json:"grounding,omitempty"`
}

type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

type GenerateResponse struct {
	ID        string     `json:"id"`
	Model     string     `json:"model"`
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
	Usage     Usage      `json:"usage"`
}

type APIErrorEnvelope struct {
	Type      string         `json:"type"`
	Error     APIErrorDetail `json:"error"`
	RequestID string         `json:"request_id"`
}

type APIErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type APIError struct {
	StatusCode int
	Envelope   APIErrorEnvelope
	Body       []byte
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Envelope.Error.Message != "" {
		return e.Envelope.Error.Type + ": " + e.Envelope.Error.Message
	}
	return string(e.Body)
}

func ParseAPIErrorEnvelope(body []byte) (APIErrorEnvelope, bool) {
	var envelope APIErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return APIErrorEnvelope{}, false
	}
	if envelope.Error.Type == "" && envelope.Error.Message == "" {
		return APIErrorEnvelope{}, false
	}
	return envelope, true
}
