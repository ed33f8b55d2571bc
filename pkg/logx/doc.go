// Package logx configures castbot's structured logging.
//
// A thin wrapper (logx.Logger) sits on top of zerolog:
//   - console output stays readable (short timestamp and caller)
//   - file output is JSON
//   - warn+ lines can be mirrored to a Telegram log group, rate limited
package logx
