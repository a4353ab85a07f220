// Package stream decodes a provider's incremental output into
// normalized tokens and re-frames them for delivery over the shared
// channel.
package stream

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// doneSentinel ends a stream in the wire format some providers use
// instead of an explicit done event.
const doneSentinel = "[DONE]"

// deltaPayload is the JSON body of a delta event.
type deltaPayload struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// toolPayload is the JSON body of a tool_call event.
type toolPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// errorPayload is the JSON body of an error event.
type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Session holds per-request decode state. Created when a request is
// routed to a provider, destroyed on Done, terminal Error, or cancel.
type Session struct {
	ID  uuid.UUID
	dec Decoder
	seq int

	done      bool
	cancelled bool
	log       zerolog.Logger
}

// NewSession starts a fresh stream session.
func NewSession(log zerolog.Logger) *Session {
	id := uuid.New()
	return &Session{
		ID:  id,
		log: log.With().Str("session_id", id.String()).Logger(),
	}
}

// Done reports whether the session has emitted its terminal token.
func (s *Session) Done() bool { return s.done }

// Decode feeds one provider chunk through the session and returns the
// tokens it completes, in decode order. Adjacent deltas for the same
// index are concatenated before forwarding. Locally recoverable
// malformed events yield an Error token and the session continues;
// framing corruption ends the session with a terminal Error+Done pair.
func (s *Session) Decode(chunk []byte) []Token {
	if s.done {
		return nil
	}
	events, err := s.dec.Decode(chunk)
	if err != nil {
		s.log.Warn().Err(err).Msg("stream framing corrupted")
		return s.terminate("protocol", err.Error())
	}

	var out []Token
	for _, ev := range events {
		tok, ok := s.eventToken(ev)
		if !ok {
			continue
		}
		if tok.Kind == TokenDelta {
			// Coalesce with the previous token when it extends the
			// same logical field.
			if n := len(out); n > 0 && out[n-1].Kind == TokenDelta && out[n-1].Delta.Index == tok.Delta.Index {
				out[n-1].Delta.Content += tok.Delta.Content
				continue
			}
		}
		tok.Seq = s.seq
		s.seq++
		out = append(out, tok)
		if tok.Kind == TokenDone {
			s.done = true
			break
		}
	}
	return out
}

// eventToken maps one wire event to a normalized token.
func (s *Session) eventToken(ev Event) (Token, bool) {
	if string(ev.Data) == doneSentinel {
		return Token{Kind: TokenDone}, true
	}
	switch ev.Name {
	case "delta", "":
		var p deltaPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return s.recoverable("malformed delta event: " + err.Error()), true
		}
		return Token{Kind: TokenDelta, Delta: &Delta{Content: p.Text, Index: p.Index}}, true
	case "text":
		var p deltaPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return s.recoverable("malformed text event: " + err.Error()), true
		}
		return Token{Kind: TokenText, Text: p.Text}, true
	case "tool_call":
		var p toolPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return s.recoverable("malformed tool_call event: " + err.Error()), true
		}
		return Token{Kind: TokenToolCall, Tool: &ToolCall{ID: p.ID, Name: p.Name, Arguments: p.Arguments}}, true
	case "done":
		return Token{Kind: TokenDone}, true
	case "error":
		var p errorPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return s.recoverable("malformed error event: " + err.Error()), true
		}
		return Token{Kind: TokenError, Err: &ErrorInfo{Kind: p.Kind, Message: p.Message}}, true
	default:
		// Unknown event names are skipped, not errors: providers add
		// event types over time.
		return Token{}, false
	}
}

func (s *Session) recoverable(msg string) Token {
	s.log.Debug().Str("reason", msg).Msg("recoverable stream event error")
	return Token{Kind: TokenError, Err: &ErrorInfo{Kind: "protocol", Message: msg}}
}

// terminate emits the terminal Error+Done pair and seals the session.
func (s *Session) terminate(kind, msg string) []Token {
	errTok := Token{Kind: TokenError, Seq: s.seq, Err: &ErrorInfo{Kind: kind, Message: msg}}
	s.seq++
	doneTok := Token{Kind: TokenDone, Seq: s.seq}
	s.seq++
	s.done = true
	s.dec.Reset()
	return []Token{errTok, doneTok}
}

// Cancel ends the session early: any partial record is flushed as a
// final Text token, then Done. Buffers are released. Safe to call after
// completion and idempotent when invoked twice.
func (s *Session) Cancel() []Token {
	if s.cancelled || s.done {
		s.cancelled = true
		return nil
	}
	s.cancelled = true
	s.done = true

	var out []Token
	if partial := s.dec.Buffered(); len(partial) > 0 {
		out = append(out, Token{Kind: TokenText, Seq: s.seq, Text: string(partial)})
		s.seq++
	}
	s.dec.Reset()
	out = append(out, Token{Kind: TokenDone, Seq: s.seq})
	s.seq++
	return out
}
