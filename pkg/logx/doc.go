// Package logx wraps zerolog behind a small Logger/Field API so packages can
// log structurally without importing zerolog directly. The Service owns the
// sinks (console, file) and can swap level/outputs at runtime; Loggers created
// from it observe the swap immediately.
package logx
