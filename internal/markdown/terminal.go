package markdown

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/BTreeMap/BeeWell/internal/models"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultWordWrap is the terminal column width used for replies.
const DefaultWordWrap = 80

// Glamour style names matching the persisted theme values.
const (
	StyleDark  = "dark"
	StyleLight = "light"
)

var (
	botLabelStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	systemLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	userLabelStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	noticeStyle      = lipgloss.NewStyle().Italic(true).Faint(true)
)

// Terminal renders stored messages for a TTY.
type Terminal struct {
	style    string
	renderer *glamour.TermRenderer
}

// NewTerminal builds a terminal renderer for the given style ("dark" or "light").
// If glamour cannot be initialised, messages are shown as plain Markdown.
func NewTerminal(style string, wordWrap int) *Terminal {
	if style != StyleLight {
		style = StyleDark
	}
	if wordWrap <= 0 {
		wordWrap = DefaultWordWrap
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(wordWrap),
	)
	if err != nil {
		slog.Warn("markdown.NewTerminal: glamour unavailable, falling back to plain text", "error", err)
		r = nil
	}
	return &Terminal{style: style, renderer: r}
}

// Style returns the active style name.
func (t *Terminal) Style() string {
	return t.style
}

// Display converts stored content (HTML or plain text) to terminal output.
func (t *Terminal) Display(content string) string {
	md := HTMLToMarkdown(content)
	if t == nil || t.renderer == nil {
		return md
	}
	out, err := t.renderer.Render(md)
	if err != nil {
		slog.Warn("markdown.Terminal: render failed", "error", err)
		return md
	}
	return strings.TrimRight(out, "\n")
}

// FormatMessage renders one transcript entry with its sender label.
func (t *Terminal) FormatMessage(m models.ChatMessage, userName string) string {
	var label string
	switch {
	case m.Sender == models.SenderUser:
		label = userLabelStyle.Render(userInitial(userName) + " • You")
		return label + "\n" + m.Content
	case m.AgentType == models.AgentSystem:
		label = systemLabelStyle.Render("🐝 Bee • " + m.AgentType)
	case m.AgentType != "":
		label = botLabelStyle.Render("🐝 Bee • " + m.AgentType)
	default:
		label = botLabelStyle.Render("🐝 Bee")
	}
	return label + "\n" + t.Display(m.Content)
}

// Notice styles a client-side status line such as the typing indicator.
func Notice(s string) string {
	return noticeStyle.Render(s)
}

func userInitial(name string) string {
	for _, r := range name {
		return string(unicode.ToUpper(r))
	}
	return "?"
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// HTMLToMarkdown converts the small HTML subset produced by the Markdown step
// (and used in the welcome message) back into Markdown. Plain text passes
// through unchanged apart from whitespace trimming.
func HTMLToMarkdown(src string) string {
	if !strings.Contains(src, "<") {
		return strings.TrimSpace(src)
	}
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}
	var b strings.Builder
	writeChildren(&b, doc)
	return strings.TrimSpace(blankLines.ReplaceAllString(b.String(), "\n\n"))
}

func writeChildren(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(b, c)
	}
}

func innerText(n *html.Node) string {
	var b strings.Builder
	writeChildren(&b, n)
	return strings.TrimSpace(b.String())
}

func writeNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
	default:
		writeChildren(b, n)
		return
	}

	switch n.DataAtom {
	case atom.P, atom.Div:
		b.WriteString("\n\n" + innerText(n) + "\n\n")
	case atom.Br:
		b.WriteString("\n")
	case atom.Strong, atom.B:
		b.WriteString("**" + innerText(n) + "**")
	case atom.Em, atom.I:
		b.WriteString("_" + innerText(n) + "_")
	case atom.Code:
		b.WriteString("`" + innerText(n) + "`")
	case atom.Pre:
		b.WriteString("\n\n```\n" + textContent(n) + "\n```\n\n")
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		b.WriteString("\n\n" + strings.Repeat("#", level) + " " + innerText(n) + "\n\n")
	case atom.Ul, atom.Ol:
		writeList(b, n, n.DataAtom == atom.Ol)
	case atom.A:
		text := innerText(n)
		if href := attr(n, "href"); href != "" {
			b.WriteString("[" + text + "](" + href + ")")
		} else {
			b.WriteString(text)
		}
	case atom.Blockquote:
		lines := strings.Split(innerText(n), "\n")
		for i, l := range lines {
			lines[i] = "> " + l
		}
		b.WriteString("\n\n" + strings.Join(lines, "\n") + "\n\n")
	case atom.Hr:
		b.WriteString("\n\n---\n\n")
	default:
		writeChildren(b, n)
	}
}

func writeList(b *strings.Builder, n *html.Node, ordered bool) {
	b.WriteString("\n\n")
	i := 1
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Li {
			continue
		}
		marker := "- "
		if ordered {
			marker = strconv.Itoa(i) + ". "
		}
		b.WriteString(marker + innerText(c) + "\n")
		i++
	}
	b.WriteString("\n")
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return strings.Trim(b.String(), "\n")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
