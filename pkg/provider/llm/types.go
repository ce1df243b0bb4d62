package llm

// Message is one entry in a conversation transcript. Role follows the
// OpenAI chat convention: "system", "user", "assistant", or "tool".
type Message struct {
	Role    string
	Content string

	// Name optionally identifies the speaker when several participants
	// share a role.
	Name string

	// ToolCalls holds the invocations an assistant message requested.
	ToolCalls []ToolCall

	// ToolCallID links a "tool"-role message back to the call it answers.
	ToolCallID string
}

// ToolCall is a single function invocation requested by the model.
// Arguments is the raw JSON argument object as the provider produced it;
// it is not validated here.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition advertises a callable function to the model. Parameters
// is a JSON Schema object describing the expected arguments.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ModelCapabilities reports the static limits of a provider's model.
// Values are fixed for the lifetime of the Provider instance.
type ModelCapabilities struct {
	// ContextWindow is the combined input+output token limit.
	ContextWindow int

	// MaxOutputTokens caps a single completion.
	MaxOutputTokens int

	SupportsToolCalling bool
	SupportsStreaming   bool
}
