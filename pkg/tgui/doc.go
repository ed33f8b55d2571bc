// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders (link buttons, choice buttons)
//   - Callback data helpers (prefix:action:payload)
//   - A message builder that escapes for ParseMode="HTML" by default
//   - Conversion of message entities back to HTML
package tgui
