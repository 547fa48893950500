// Package logx configures jobrunner's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Chatty levels rate limited so a hot failure loop cannot flood the sinks
package logx
