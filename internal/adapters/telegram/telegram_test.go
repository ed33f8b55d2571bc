package telegram

import (
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "castbot/internal/transport"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   *tele.Message
		want kit.Message
	}{
		{
			name: "formatted text",
			in: &tele.Message{
				ID:       10,
				Chat:     &tele.Chat{ID: 7, Type: tele.ChatPrivate},
				Sender:   &tele.User{ID: 7, Username: "ani", FirstName: "Ani"},
				Text:     "Promo hari ini",
				Entities: tele.Entities{{Type: tele.EntityBold, Offset: 0, Length: 5}},
			},
			want: kit.Message{
				ID: 10, ChatID: 7, FromID: 7, FromUsername: "ani", FromFirstName: "Ani",
				Text: "Promo hari ini", TextHTML: "<b>Promo</b> hari ini",
			},
		},
		{
			name: "captioned photo",
			in: &tele.Message{
				ID:              11,
				Chat:            &tele.Chat{ID: 7, Type: tele.ChatPrivate},
				Sender:          &tele.User{ID: 7},
				Caption:         "a < b",
				CaptionEntities: tele.Entities{{Type: tele.EntityItalic, Offset: 4, Length: 1}},
				Photo:           &tele.Photo{File: tele.File{FileID: "AgAD-photo"}},
			},
			want: kit.Message{
				ID: 11, ChatID: 7, FromID: 7,
				Text: "a < b", TextHTML: "a &lt; <i>b</i>",
				MediaKind: kit.MediaPhoto, MediaHandle: "AgAD-photo",
			},
		},
		{
			name: "animation without caption",
			in: &tele.Message{
				ID:        12,
				Chat:      &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
				Sender:    &tele.User{ID: 8},
				Animation: &tele.Animation{File: tele.File{FileID: "CgAD-gif"}},
				ReplyTo:   &tele.Message{Sender: &tele.User{ID: 99}},
			},
			want: kit.Message{
				ID: 12, ChatID: -100, FromID: 8, IsGroup: true,
				MediaKind: kit.MediaAnimation, MediaHandle: "CgAD-gif",
				ReplyToFromID: 99,
			},
		},
		{
			name: "video",
			in: &tele.Message{
				ID:     13,
				Chat:   &tele.Chat{ID: 7, Type: tele.ChatPrivate},
				Sender: &tele.User{ID: 7},
				Video:  &tele.Video{File: tele.File{FileID: "BAAD-video"}},
			},
			want: kit.Message{ID: 13, ChatID: 7, FromID: 7, MediaKind: kit.MediaVideo, MediaHandle: "BAAD-video"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := convertMessage(tt.in)
			if got == nil || *got != tt.want {
				t.Fatalf("convertMessage() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if convertMessage(nil) != nil || convertMessage(&tele.Message{}) != nil {
		t.Fatal("convertMessage accepted a message without chat")
	}
}

func TestMemberRights(t *testing.T) {
	t.Parallel()

	admin := func(post bool) *tele.ChatMember {
		m := &tele.ChatMember{Role: tele.Administrator}
		m.CanPostMessages = post
		return m
	}
	restricted := func(send bool) *tele.ChatMember {
		m := &tele.ChatMember{Role: tele.Restricted}
		m.CanSendMessages = send
		return m
	}
	tests := []struct {
		name      string
		typ       tele.ChatType
		member    *tele.ChatMember
		wantAdmin bool
		wantPost  bool
	}{
		{"channel creator", tele.ChatChannel, &tele.ChatMember{Role: tele.Creator}, true, true},
		{"channel admin posting", tele.ChatChannel, admin(true), true, true},
		{"channel admin read-only", tele.ChatChannel, admin(false), true, false},
		{"channel member", tele.ChatChannel, &tele.ChatMember{Role: tele.Member}, false, false},
		{"group member", tele.ChatSuperGroup, &tele.ChatMember{Role: tele.Member}, false, true},
		{"group admin", tele.ChatGroup, admin(false), true, true},
		{"restricted muted", tele.ChatSuperGroup, restricted(false), false, false},
		{"restricted can send", tele.ChatSuperGroup, restricted(true), false, true},
		{"left", tele.ChatChannel, &tele.ChatMember{Role: tele.Left}, false, false},
		{"nil", tele.ChatChannel, nil, false, false},
	}
	for _, tt := range tests {
		isAdmin, canPost := memberRights(tt.typ, tt.member)
		if isAdmin != tt.wantAdmin || canPost != tt.wantPost {
			t.Errorf("%s: memberRights() = %v, %v, want %v, %v", tt.name, isAdmin, canPost, tt.wantAdmin, tt.wantPost)
		}
	}
}

func TestToSendOptions(t *testing.T) {
	t.Parallel()

	rm := &tele.ReplyMarkup{}
	so := toSendOptions(&kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: rm})
	if so.ParseMode != tele.ModeHTML || !so.DisableWebPagePreview || so.ReplyMarkup != rm {
		t.Fatalf("toSendOptions() = %+v", so)
	}
	if so := toSendOptions(nil); so.ReplyMarkup != nil || so.ParseMode != "" {
		t.Fatalf("toSendOptions(nil) = %+v", so)
	}
}
