package tgui

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Entity is a formatting span of a Telegram message. Offset and Length are
// in UTF-16 code units, as Telegram reports them.
type Entity struct {
	Type     string // "bold", "italic", "text_link", ...
	Offset   int
	Length   int
	URL      string // text_link
	UserID   int64  // text_mention
	Language string // pre
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// FromEntities renders text with its entities as Telegram HTML so the
// formatting survives a re-send with ParseMode="HTML". Entity types without
// an HTML form (mentions, hashtags, plain URLs) are emitted as text.
func FromEntities(text string, ents []Entity) H {
	u := utf16.Encode([]rune(text))
	n := len(u)

	spans := make([]Entity, 0, len(ents))
	for _, e := range ents {
		if e.Length <= 0 || e.Offset < 0 || e.Offset >= n {
			continue
		}
		if _, ok := openTag(e); !ok {
			continue
		}
		if e.Offset+e.Length > n {
			e.Length = n - e.Offset
		}
		spans = append(spans, e)
	}
	if len(spans) == 0 {
		return H(textEscaper.Replace(text))
	}
	// Outer spans first: earlier start, then longer.
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Offset != spans[j].Offset {
			return spans[i].Offset < spans[j].Offset
		}
		return spans[i].Length > spans[j].Length
	})

	var (
		b     strings.Builder
		stack []Entity
		next  int
	)
	b.Grow(len(text) + 16*len(spans))
	for pos := 0; pos <= n; pos++ {
		// Close spans ending here. A span ending below the top of the stack
		// means overlap: close the spans above it and reopen them after.
		for depth := len(stack) - 1; depth >= 0; depth-- {
			if stack[depth].Offset+stack[depth].Length != pos {
				continue
			}
			var reopen []Entity
			for len(stack)-1 > depth {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				b.WriteString(closeTag(top))
				reopen = append(reopen, top)
			}
			b.WriteString(closeTag(stack[depth]))
			stack = stack[:depth]
			for i := len(reopen) - 1; i >= 0; i-- {
				tag, _ := openTag(reopen[i])
				b.WriteString(tag)
				stack = append(stack, reopen[i])
			}
		}
		for next < len(spans) && spans[next].Offset == pos {
			tag, _ := openTag(spans[next])
			b.WriteString(tag)
			stack = append(stack, spans[next])
			next++
		}
		if pos == n {
			break
		}
		// Emit up to the next boundary in one chunk.
		end := n
		if next < len(spans) && spans[next].Offset < end {
			end = spans[next].Offset
		}
		for _, s := range stack {
			if e := s.Offset + s.Length; e < end {
				end = e
			}
		}
		b.WriteString(textEscaper.Replace(string(utf16.Decode(u[pos:end]))))
		pos = end - 1
	}
	return H(b.String())
}

func openTag(e Entity) (string, bool) {
	switch e.Type {
	case "bold":
		return "<b>", true
	case "italic":
		return "<i>", true
	case "underline":
		return "<u>", true
	case "strikethrough":
		return "<s>", true
	case "spoiler":
		return "<tg-spoiler>", true
	case "code":
		return "<code>", true
	case "pre":
		if e.Language != "" {
			return `<pre><code class="language-` + attrEscape(e.Language) + `">`, true
		}
		return "<pre>", true
	case "text_link":
		if e.URL == "" {
			return "", false
		}
		return `<a href="` + attrEscape(e.URL) + `">`, true
	case "text_mention":
		if e.UserID == 0 {
			return "", false
		}
		return `<a href="tg://user?id=` + strconv.FormatInt(e.UserID, 10) + `">`, true
	case "blockquote":
		return "<blockquote>", true
	case "expandable_blockquote":
		return "<blockquote expandable>", true
	}
	return "", false
}

func closeTag(e Entity) string {
	switch e.Type {
	case "bold":
		return "</b>"
	case "italic":
		return "</i>"
	case "underline":
		return "</u>"
	case "strikethrough":
		return "</s>"
	case "spoiler":
		return "</tg-spoiler>"
	case "code":
		return "</code>"
	case "pre":
		if e.Language != "" {
			return "</code></pre>"
		}
		return "</pre>"
	case "text_link", "text_mention":
		return "</a>"
	case "blockquote", "expandable_blockquote":
		return "</blockquote>"
	}
	return ""
}

func attrEscape(s string) string {
	return strings.ReplaceAll(textEscaper.Replace(s), `"`, "&quot;")
}
