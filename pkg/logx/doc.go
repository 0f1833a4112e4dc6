// Package logx configures wagate's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - live reconfiguration (level/sinks swap without replacing loggers),
//   - a console writer for humans plus an optional JSON file sink,
//   - slog-like Field ergonomics at call sites.
package logx
