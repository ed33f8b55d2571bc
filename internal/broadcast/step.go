package broadcast

// Step is the position of an operator in the draft conversation.
type Step uint8

const (
	StepIdle Step = iota
	StepAskText
	StepAskMedia
	StepAskAddButton
	StepAskButtonText
	StepAskButtonURL
	StepPreview

	stepCount
)

var stepNames = [stepCount]string{
	StepIdle:          "idle",
	StepAskText:       "ask_text",
	StepAskMedia:      "ask_media",
	StepAskAddButton:  "ask_add_button",
	StepAskButtonText: "ask_button_text",
	StepAskButtonURL:  "ask_button_url",
	StepPreview:       "preview",
}

func (s Step) String() string {
	if s < stepCount {
		return stepNames[s]
	}
	return "unknown"
}

// Prompt is what the operator should be told after a transition.
// The bot layer owns the wording.
type Prompt uint8

const (
	PromptNone Prompt = iota
	PromptAskText
	PromptTextRequired
	PromptAskMedia
	PromptMediaInvalid
	PromptAskAddButton
	PromptAskButtonText
	PromptAskButtonURL
	PromptURLInvalid
	PromptAskAnotherButton
	PromptPreview
	PromptDispatching
	PromptRestarted
	PromptCancelled
)

// Outcome is the result of feeding one Input to a Session.
type Outcome struct {
	From, To Step
	Prompt   Prompt
	// Accepted is false when the input was rejected and the step is unchanged.
	Accepted bool
	// ShowPreview asks the caller to render the draft before the prompt.
	ShowPreview bool
	// Dispatch is set on confirm: the finished draft to fan out.
	Dispatch *Draft
}

type handler func(s *Session, in Input) Outcome

// transitions is indexed by Step; every step has exactly one handler.
var transitions = [stepCount]handler{
	StepIdle:          onIdle,
	StepAskText:       onAskText,
	StepAskMedia:      onAskMedia,
	StepAskAddButton:  onAskAddButton,
	StepAskButtonText: onAskButtonText,
	StepAskButtonURL:  onAskButtonURL,
	StepPreview:       onPreview,
}

func stay(s *Session, p Prompt) Outcome {
	return Outcome{From: s.Step, To: s.Step, Prompt: p}
}

func (s *Session) advance(to Step, p Prompt) Outcome {
	out := Outcome{From: s.Step, To: to, Prompt: p, Accepted: true}
	s.Step = to
	return out
}

func onIdle(s *Session, _ Input) Outcome {
	return stay(s, PromptNone)
}

func onAskText(s *Session, in Input) Outcome {
	if in.Kind != InputText || in.Text == "" || isCommandToken(in.Text) {
		return stay(s, PromptTextRequired)
	}
	body := in.HTML
	if body == "" {
		body = in.Text
	}
	if isBlank(body) {
		return stay(s, PromptTextRequired)
	}
	s.Draft.Text = body
	return s.advance(StepAskMedia, PromptAskMedia)
}

func onAskMedia(s *Session, in Input) Outcome {
	switch in.Kind {
	case InputText:
		if isSkip(in.Text) {
			return s.advance(StepAskAddButton, PromptAskAddButton)
		}
	case InputMedia:
		if !in.Media.IsZero() {
			s.Draft.SetMedia(in.Media)
			return s.advance(StepAskAddButton, PromptAskAddButton)
		}
	}
	return stay(s, PromptMediaInvalid)
}

func onAskAddButton(s *Session, in Input) Outcome {
	switch in.AsChoice() {
	case ChoiceYes:
		return s.advance(StepAskButtonText, PromptAskButtonText)
	case ChoiceNo:
		out := s.advance(StepPreview, PromptPreview)
		out.ShowPreview = true
		return out
	}
	return stay(s, PromptAskAddButton)
}

func onAskButtonText(s *Session, in Input) Outcome {
	if in.Kind != InputText || isBlank(in.Text) {
		return stay(s, PromptAskButtonText)
	}
	s.PendingLabel = trim(in.Text)
	return s.advance(StepAskButtonURL, PromptAskButtonURL)
}

func onAskButtonURL(s *Session, in Input) Outcome {
	if in.Kind != InputText || !ValidURL(in.Text) {
		return stay(s, PromptURLInvalid)
	}
	s.Draft.AddButton(s.PendingLabel, trim(in.Text))
	s.PendingLabel = ""
	return s.advance(StepAskAddButton, PromptAskAnotherButton)
}

func onPreview(s *Session, in Input) Outcome {
	switch in.AsChoice() {
	case ChoiceConfirm:
		d := s.Draft.Clone()
		s.reset()
		out := Outcome{From: StepPreview, To: StepIdle, Prompt: PromptDispatching, Accepted: true, Dispatch: &d}
		return out
	case ChoiceRestart:
		aud := s.Audience
		s.reset()
		s.Audience = aud
		return s.advance(StepAskText, PromptRestarted)
	case ChoiceCancel:
		s.reset()
		return Outcome{From: StepPreview, To: StepIdle, Prompt: PromptCancelled, Accepted: true}
	}
	return stay(s, PromptPreview)
}
