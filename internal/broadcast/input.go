package broadcast

import "strings"

type InputKind uint8

const (
	InputText InputKind = iota + 1
	InputMedia
	InputChoice
)

type Choice uint8

const (
	ChoiceNone Choice = iota
	ChoiceYes
	ChoiceNo
	ChoiceConfirm
	ChoiceRestart
	ChoiceCancel
)

func (c Choice) String() string {
	switch c {
	case ChoiceYes:
		return "yes"
	case ChoiceNo:
		return "no"
	case ChoiceConfirm:
		return "confirm"
	case ChoiceRestart:
		return "restart"
	case ChoiceCancel:
		return "cancel"
	default:
		return "none"
	}
}

// ParseChoice maps a callback payload ("yes", "send", ...) to a Choice.
func ParseChoice(s string) Choice {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return ChoiceYes
	case "no":
		return ChoiceNo
	case "send", "confirm":
		return ChoiceConfirm
	case "restart":
		return ChoiceRestart
	case "cancel":
		return ChoiceCancel
	default:
		return ChoiceNone
	}
}

var typedChoices = map[string]Choice{
	"ya": ChoiceYes, "y": ChoiceYes, "yes": ChoiceYes, "iya": ChoiceYes,
	"tidak": ChoiceNo, "tdk": ChoiceNo, "t": ChoiceNo, "no": ChoiceNo, "n": ChoiceNo,
	"kirim": ChoiceConfirm, "send": ChoiceConfirm, "confirm": ChoiceConfirm,
	"ulangi": ChoiceRestart, "restart": ChoiceRestart,
	"batal": ChoiceCancel, "cancel": ChoiceCancel,
}

// Input is one operator interaction: a text message, an attachment, or a
// button press.
type Input struct {
	Kind InputKind
	Text string
	// HTML is Text with the sender's formatting, when the transport has it.
	HTML   string
	Media  Media
	Choice Choice
}

func TextInput(s string) Input   { return Input{Kind: InputText, Text: s} }
func MediaInput(m Media) Input   { return Input{Kind: InputMedia, Media: m} }
func ChoiceInput(c Choice) Input { return Input{Kind: InputChoice, Choice: c} }

// AsChoice returns the button choice, or the choice a typed word stands for.
func (in Input) AsChoice() Choice {
	switch in.Kind {
	case InputChoice:
		return in.Choice
	case InputText:
		return typedChoices[strings.ToLower(strings.TrimSpace(in.Text))]
	default:
		return ChoiceNone
	}
}

// isCommandToken reports a single word starting with "/" (e.g. "/broadcast").
func isCommandToken(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "/") && !strings.ContainsAny(s, " \t\n")
}
