package harnessports

// MessageKind tags the variant carried by a Message.
type MessageKind string

const (
	KindSystem               MessageKind = "system"
	KindUser                 MessageKind = "user"
	KindAssistantText        MessageKind = "assistant_text"
	KindAssistantToolRequest MessageKind = "assistant_tool_request"
	KindToolResult           MessageKind = "tool_result"
)

// Message is the single conversation message type shared by the loop, the
// dispatcher and the thread store. Only the fields of its Kind are meaningful.
type Message struct {
	Kind    MessageKind `json:"kind"`
	Content string      `json:"content,omitempty"`

	// assistant_tool_request
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// tool_result
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

func SystemMessage(content string) Message {
	return Message{Kind: KindSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Kind: KindUser, Content: content}
}

func AssistantText(content string) Message {
	return Message{Kind: KindAssistantText, Content: content}
}

// AssistantToolRequest records the model asking for tools. content is the
// optional text the model sent alongside the calls.
func AssistantToolRequest(content string, calls []ToolCall) Message {
	return Message{Kind: KindAssistantToolRequest, Content: content, ToolCalls: calls}
}

func ToolResultMessage(callID, toolName, content string) Message {
	return Message{Kind: KindToolResult, ToolCallID: callID, ToolName: toolName, Content: content}
}

// Role maps the variant onto the chat role a provider expects.
func (m Message) Role() string {
	switch m.Kind {
	case KindUser:
		return "user"
	case KindAssistantText, KindAssistantToolRequest:
		return "assistant"
	case KindToolResult:
		return "tool"
	default:
		return "system"
	}
}

// IsConversationalText reports whether m is a user or assistant text turn
// with content.
func (m Message) IsConversationalText() bool {
	return (m.Kind == KindUser || m.Kind == KindAssistantText) && m.Content != ""
}
