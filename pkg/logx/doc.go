// Package logx is the logging facade the rest of interflow builds on.
//
// A Service owns the zerolog root and swaps sinks at runtime when the
// config reloads:
//   - console output with short timestamps and a file:line caller
//   - a JSON-structured log file
//   - an optional chat mirror that forwards warnings to an operator
//     channel through a transport sender
//
// Loggers handed out by the Service keep following those swaps, and the
// zero Logger is a safe no-op.
package logx
