package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline is a small builder for inline keyboards (ReplyMarkup).
// It stores rows as tele.Row ([]tele.Btn) and applies them via ReplyMarkup.Inline().
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	rm := &tele.ReplyMarkup{}
	rm.Inline()
	return &Inline{rm: rm}
}

// Row appends a new row (buttons) to the inline keyboard.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Len is the number of rows.
func (i *Inline) Len() int { return len(i.rows) }

// Markup returns underlying reply markup.
func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn creates a callback button with raw callback_data (we do NOT encode it).
// Use Data to build "prefix:action:payload".
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// URLBtn creates a URL button.
func URLBtn(text, url string) tele.Btn {
	return tele.Btn{Text: text, URL: url}
}

// LinkButton is a labelled URL.
type LinkButton struct {
	Text string
	URL  string
}

// URLKeyboard puts one link button per row. With no buttons the keyboard
// is empty but still attached.
func URLKeyboard(buttons []LinkButton) *Inline {
	kb := NewInline()
	for _, b := range buttons {
		kb.Row(URLBtn(b.Text, b.URL))
	}
	return kb
}
