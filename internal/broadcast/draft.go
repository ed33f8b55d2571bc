package broadcast

import "strings"

// LinkButton is a URL button attached under a broadcast message.
type LinkButton struct {
	Label string
	URL   string
}

type MediaKind uint8

const (
	MediaNone MediaKind = iota
	MediaPhoto
	MediaVideo
	MediaAnimation
)

func (k MediaKind) String() string {
	switch k {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	case MediaAnimation:
		return "animation"
	default:
		return "none"
	}
}

// Media is a single attachment referenced by a transport handle (file id).
// The zero value means no media.
type Media struct {
	Kind   MediaKind
	Handle string
}

func (m Media) IsZero() bool { return m.Kind == MediaNone || m.Handle == "" }

// Draft is the message an operator is composing.
// Text is HTML (the transport sends with HTML parse mode).
type Draft struct {
	Text    string
	Media   Media
	Buttons []LinkButton
}

// SetMedia replaces any previous attachment; a draft never carries two.
func (d *Draft) SetMedia(m Media) {
	if m.Handle == "" {
		m.Kind = MediaNone
	}
	d.Media = m
}

func (d *Draft) AddButton(label, url string) {
	d.Buttons = append(d.Buttons, LinkButton{Label: label, URL: url})
}

// Sendable reports whether the draft has text or media.
func (d Draft) Sendable() bool {
	return strings.TrimSpace(d.Text) != "" || !d.Media.IsZero()
}

// Clone returns a copy that shares nothing with d.
func (d Draft) Clone() Draft {
	out := d
	if d.Buttons != nil {
		out.Buttons = append([]LinkButton(nil), d.Buttons...)
	}
	return out
}

// ValidURL is the button URL check: a case-insensitive http:// or https://
// prefix. Nothing after the scheme is inspected, so "http://" passes.
func ValidURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
