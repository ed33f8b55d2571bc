package broadcast

import "strings"

// Audience selects who a broadcast goes to.
type Audience struct {
	Users    bool
	Channels bool
	// AdminOnly limits channels to those where the bot is an administrator.
	AdminOnly bool
}

func (a Audience) String() string {
	var s string
	switch {
	case a.Users && a.Channels:
		s = "all"
	case a.Channels:
		s = "channels"
	case a.Users:
		s = "users"
	default:
		return "none"
	}
	if a.AdminOnly && a.Channels {
		s += "+admin_only"
	}
	return s
}

func (a Audience) IsZero() bool { return !a.Users && !a.Channels }

// Session is one operator's conversation. The zero value is Idle with an
// empty draft.
type Session struct {
	Step  Step
	Draft Draft
	// PendingLabel holds a button label until its URL arrives.
	PendingLabel string
	Audience     Audience
}

// Start begins a new conversation, discarding any draft in progress.
func (s *Session) Start(aud Audience) Outcome {
	s.reset()
	s.Audience = aud
	return s.advance(StepAskText, PromptAskText)
}

// Handle advances the session by one input.
func (s *Session) Handle(in Input) Outcome {
	if s.Step >= stepCount {
		s.reset()
	}
	return transitions[s.Step](s, in)
}

// Active reports whether a conversation is in progress.
func (s *Session) Active() bool { return s.Step != StepIdle }

func (s *Session) reset() {
	*s = Session{}
}

func trim(s string) string { return strings.TrimSpace(s) }

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

func isSkip(s string) bool { return strings.EqualFold(strings.TrimSpace(s), "skip") }
