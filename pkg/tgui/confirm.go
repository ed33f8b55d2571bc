package tgui

// Choice actions carried in callback data by YesNo and PreviewChoices.
const (
	ActionYes     = "yes"
	ActionNo      = "no"
	ActionSend    = "send"
	ActionRestart = "restart"
	ActionCancel  = "cancel"
)

// YesNo builds a one-row "Ya / Tidak" keyboard under prefix.
func YesNo(prefix string) *Inline {
	return NewInline().Row(
		Btn("✅ Ya", Data(prefix, ActionYes, "")),
		Btn("❌ Tidak", Data(prefix, ActionNo, "")),
	)
}

// PreviewChoices builds the keyboard shown under a draft preview.
func PreviewChoices(prefix string) *Inline {
	return NewInline().Row(
		Btn("✅ Kirim", Data(prefix, ActionSend, "")),
		Btn("🔁 Ulangi", Data(prefix, ActionRestart, "")),
		Btn("❌ Batal", Data(prefix, ActionCancel, "")),
	)
}
