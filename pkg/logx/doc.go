// Package logx is clockwork's logging facade over zerolog.
//
// Loggers carry fields, not sinks: a Logger taken from a Service keeps
// following it when the logging section of the config is reloaded. The zero
// Logger is silent, so optional dependencies can default to it.
package logx
