// Package logx configures reminderd's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional operator alert sink (min-level + rate limiting), used to
//     surface errors such as failed tracking writes after a confirmed send.
package logx
