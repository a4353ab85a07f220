package stream

// TokenKind tags the StreamToken variant.
type TokenKind int

const (
	TokenText TokenKind = iota
	TokenDelta
	TokenToolCall
	TokenDone
	TokenError
)

func (k TokenKind) String() string {
	switch k {
	case TokenText:
		return "text"
	case TokenDelta:
		return "delta"
	case TokenToolCall:
		return "tool_call"
	case TokenDone:
		return "done"
	case TokenError:
		return "error"
	default:
		return "unknown"
	}
}

// Delta is an incremental fragment of one logical output field.
type Delta struct {
	Content string `json:"content"`
	Index   int    `json:"index"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ErrorInfo describes a stream-level failure delivered in-band.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Token is one normalized unit of model output. Exactly the fields for
// its kind are set.
type Token struct {
	Kind  TokenKind
	Seq   int
	Text  string
	Delta *Delta
	Tool  *ToolCall
	Err   *ErrorInfo
}
