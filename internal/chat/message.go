// ABOUTME: Message and Part types exchanged between the controller, store and inference client
// ABOUTME: Includes cloning helpers and hidden-annotation filtering

package chat

import (
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType constants
const (
	PartText  = "text"
	PartImage = "image"
)

// AnnotationHidden excludes a message from display enumeration while keeping
// it in model context.
const AnnotationHidden = "hidden"

// Part is a single piece of message content.
type Part struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"` // data URL or remote URL
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ImagePart builds an image part.
func ImagePart(image string) Part {
	return Part{Type: PartImage, Image: image}
}

// Message is one entry of a conversation.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Parts       []Part    `json:"parts"`
	Annotations []string  `json:"annotations,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Images returns the image parts of the message.
func (m Message) Images() []string {
	var images []string
	for _, p := range m.Parts {
		if p.Type == PartImage {
			images = append(images, p.Image)
		}
	}
	return images
}

// HasAnnotation reports whether the message carries the given annotation.
func (m Message) HasAnnotation(annotation string) bool {
	for _, a := range m.Annotations {
		if a == annotation {
			return true
		}
	}
	return false
}

// IsHidden reports whether the message is excluded from display.
func (m Message) IsHidden() bool {
	return m.HasAnnotation(AnnotationHidden)
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		copy(out.Parts, m.Parts)
	}
	if m.Annotations != nil {
		out.Annotations = make([]string, len(m.Annotations))
		copy(out.Annotations, m.Annotations)
	}
	return out
}

// CloneMessages deep-copies a message list. A nil input yields an empty,
// non-nil slice so callers can append without aliasing.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// VisibleMessages filters out hidden messages.
func VisibleMessages(msgs []Message) []Message {
	visible := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsHidden() {
			visible = append(visible, m)
		}
	}
	return visible
}

// LastUserIndex returns the index of the last user message, or -1.
func LastUserIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
