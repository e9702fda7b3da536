// Package logx configures voicetray's structured logging.
//
// Components log through a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Noisy call sites throttled (Limited) so a misbehaving producer can't flood the log
package logx
