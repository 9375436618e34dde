// Package logx configures tgsigner's structured logging.
//
// A small wrapper (logx.Logger) over zerolog keeps console output readable,
// file output JSON-structured, and optionally mirrors warnings to a Telegram
// log chat behind a min-level filter and a rate limiter.
package logx
