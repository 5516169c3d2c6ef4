package llm

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Images are raw encoded pictures (PNG or JPEG) attached to the message.
	Images [][]byte `json:"-"`
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Delta represents an incremental update during streaming. A delta with a
// non-nil Err is the last one sent on its stream.
type Delta struct {
	Content string `json:"content,omitempty"`
	Err     error  `json:"-"`
}
