// Package logx configures newsbot's structured logging.
//
// It wraps zerolog to keep:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional alert sink that forwards WARN+ lines to a chat
package logx
