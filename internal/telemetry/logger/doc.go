// Package logger provides structured logging for Keep.
//
// This package wraps log/slog for structured logging:
//
//   - logger.go: Handler configuration and level control
//   - redact.go: Stored-value redaction
//
// Features:
//
//   - JSON and text output formats
//   - Log level filtering with runtime adjustment
//   - Automatic masking of stored values and sealed blobs
//
// The engine must never write a caller's stored values to its log
// stream; attributes that carry them are redacted by the handler, not
// by call-site discipline alone.
package logger
