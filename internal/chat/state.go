// ABOUTME: ConversationState snapshot, SelectionContext, Identity and BootstrapResult types
// ABOUTME: State update methods return new snapshots instead of mutating shared slices

package chat

import (
	"fmt"
	"regexp"
	"time"
)

// Identity is supplied by the auth layer and is immutable for the duration of a submit.
type Identity struct {
	SubjectID     string
	Email         string
	Authenticated bool
}

// Anonymous is the identity used when no valid credentials are present.
var Anonymous = Identity{}

// ErrorInfo is the state-carried form of the last failure.
type ErrorInfo struct {
	Kind    string // "transport", "persistence"
	Message string
	At      time.Time
}

// State is a snapshot of one conversation.
type State struct {
	ChatID          string
	Description     string
	Messages        []Message
	InitialMessages []Message
	Streaming       bool
	Aborted         bool
	LastError       *ErrorInfo
}

// NewState builds the state for a freshly loaded conversation. The loaded
// messages become both the working list and the InitialMessages snapshot.
func NewState(chatID string, loaded []Message) State {
	return State{
		ChatID:          chatID,
		Messages:        CloneMessages(loaded),
		InitialMessages: CloneMessages(loaded),
	}
}

// WithMessages returns a copy of the state with the given messages.
func (s State) WithMessages(msgs []Message) State {
	s.Messages = CloneMessages(msgs)
	return s
}

// WithStreaming returns a copy of the state with the streaming flag set.
func (s State) WithStreaming(streaming bool) State {
	s.Streaming = streaming
	return s
}

// WithError returns a copy of the state with LastError set (nil clears it).
func (s State) WithError(info *ErrorInfo) State {
	if info != nil {
		cp := *info
		s.LastError = &cp
	} else {
		s.LastError = nil
	}
	return s
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	out.Messages = CloneMessages(s.Messages)
	out.InitialMessages = CloneMessages(s.InitialMessages)
	if s.LastError != nil {
		cp := *s.LastError
		out.LastError = &cp
	}
	return out
}

// HasGrown reports whether the conversation holds more messages than were loaded.
func (s State) HasGrown() bool {
	return len(s.Messages) > len(s.InitialMessages)
}

// Started reports whether the conversation has any messages.
func (s State) Started() bool {
	return len(s.Messages) > 0
}

// Selection is the model/provider configuration threaded into every send.
type Selection struct {
	ModelID    string            `json:"model"`
	ProviderID string            `json:"provider"`
	APIKeys    map[string]string `json:"-"`
}

// Clone returns a copy with its own APIKeys map.
func (s Selection) Clone() Selection {
	out := s
	if s.APIKeys != nil {
		out.APIKeys = make(map[string]string, len(s.APIKeys))
		for k, v := range s.APIKeys {
			out.APIKeys[k] = v
		}
	}
	return out
}

// APIKey returns the key configured for the selected provider.
func (s Selection) APIKey() string {
	return s.APIKeys[s.ProviderID]
}

// Prefix renders the model/provider context line prepended to user messages.
func (s Selection) Prefix() string {
	return fmt.Sprintf("[Model: %s]\n\n[Provider: %s]\n\n", s.ModelID, s.ProviderID)
}

var prefixPattern = regexp.MustCompile(`^\[Model: ([^\]]*)\]\n\n\[Provider: ([^\]]*)\]\n\n`)

// SplitPrefix separates the model/provider prefix from a user message text.
// ok is false when the text carries no prefix.
func SplitPrefix(text string) (model, provider, rest string, ok bool) {
	m := prefixPattern.FindStringSubmatchIndex(text)
	if m == nil {
		return "", "", text, false
	}
	return text[m[2]:m[3]], text[m[4]:m[5]], text[m[1]:], true
}

// BlankTemplate is the template id meaning "no starter template".
const BlankTemplate = "blank"

// BootstrapResult is the transient outcome of a template bootstrap.
type BootstrapResult struct {
	Template     string
	Title        string
	SeedMessages []Message
}

// Blank reports whether bootstrap fell back to the plain flow.
func (r BootstrapResult) Blank() bool {
	return r.Template == BlankTemplate || len(r.SeedMessages) == 0
}
