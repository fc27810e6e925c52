// ABOUTME: Markdown artifact parser built on goldmark's AST
// ABOUTME: Tracks artifacts per assistant message and reports each one once when it closes

package artifact

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/chatgate/internal/chat"
)

// Artifact is one file-bearing fenced block.
type Artifact struct {
	MessageID string
	Index     int // position among the message's artifacts
	Language  string
	Path      string
	Content   string
	Closed    bool
}

// Key identifies the artifact across parses.
func (a Artifact) Key() string {
	return fmt.Sprintf("%s/%d", a.MessageID, a.Index)
}

// Parser keeps the latest artifacts of every assistant message it has seen.
// It is safe for concurrent use.
type Parser struct {
	md       goldmark.Markdown
	onClosed func(Artifact)
	logger   *slog.Logger

	mu        sync.Mutex
	order     []string
	artifacts map[string][]Artifact
	reported  map[string]bool
}

// Option configures a Parser.
type Option func(*Parser)

// OnClosed registers a callback fired once per artifact when its block closes.
func OnClosed(fn func(Artifact)) Option {
	return func(p *Parser) { p.onClosed = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// NewParser creates a parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		md:        goldmark.New(),
		artifacts: make(map[string][]Artifact),
		reported:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "artifact")
	return p
}

// Parse re-parses the assistant messages. When streaming is true the last
// message may still be growing.
func (p *Parser) Parse(messages []chat.Message, streaming bool) {
	var closed []Artifact

	p.mu.Lock()
	for i, m := range messages {
		if m.Role != chat.RoleAssistant {
			continue
		}
		growing := streaming && i == len(messages)-1
		found := p.extract(m, growing)

		if _, seen := p.artifacts[m.ID]; !seen {
			p.order = append(p.order, m.ID)
		}
		p.artifacts[m.ID] = found

		for _, a := range found {
			if a.Closed && !p.reported[a.Key()] {
				p.reported[a.Key()] = true
				closed = append(closed, a)
			}
		}
	}
	p.mu.Unlock()

	for _, a := range closed {
		p.logger.Debug("artifact closed", "message_id", a.MessageID, "path", a.Path, "bytes", len(a.Content))
		if p.onClosed != nil {
			p.onClosed(a)
		}
	}
}

// Artifacts returns every known artifact in message order.
func (p *Parser) Artifacts() []Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Artifact
	for _, id := range p.order {
		out = append(out, p.artifacts[id]...)
	}
	return out
}

// Reset forgets all parsed state, e.g. when switching conversations.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = nil
	p.artifacts = make(map[string][]Artifact)
	p.reported = make(map[string]bool)
}

func (p *Parser) extract(m chat.Message, growing bool) []Artifact {
	src := []byte(m.Text())
	doc := p.md.Parser().Parse(text.NewReader(src))

	var out []Artifact
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		var info string
		if block.Info != nil {
			info = string(block.Info.Segment.Value(src))
		}
		lang, path := parseInfo(info)
		if path == "" {
			return ast.WalkSkipChildren, nil
		}

		var content bytes.Buffer
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			content.Write(seg.Value(src))
		}

		out = append(out, Artifact{
			MessageID: m.ID,
			Index:     len(out),
			Language:  lang,
			Path:      path,
			Content:   content.String(),
			Closed:    !growing || hasClosingFence(src, block),
		})
		return ast.WalkSkipChildren, nil
	})
	return out
}

// parseInfo splits an info string like `tsx file=src/App.tsx` into language and path.
func parseInfo(info string) (lang, path string) {
	for i, field := range strings.Fields(info) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			if i == 0 {
				lang = field
			}
			continue
		}
		switch key {
		case "file", "path", "filePath":
			path = strings.Trim(value, `"'`)
		}
	}
	return lang, path
}

// hasClosingFence reports whether a fence line follows the block's content.
func hasClosingFence(src []byte, block *ast.FencedCodeBlock) bool {
	var after int
	if lines := block.Lines(); lines.Len() > 0 {
		after = lines.At(lines.Len() - 1).Stop
	} else if block.Info != nil {
		after = block.Info.Segment.Stop
		if nl := bytes.IndexByte(src[after:], '\n'); nl >= 0 {
			after += nl + 1
		} else {
			return false
		}
	}
	rest := strings.TrimLeft(string(src[after:]), " \t")
	return strings.HasPrefix(rest, "```") || strings.HasPrefix(rest, "~~~")
}
