// Package logging provides structured logging for the mirror.
//
// It wraps log/slog with JSON output by default, logfmt text or a
// colourised console format (lmittmann/tint) for development, and
// service/version fields on every record:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text, console
//	  output: "stdout"   # stdout, stderr
//
// Never log the remote access token or the JWT secret.
package logging
