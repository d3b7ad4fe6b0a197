// Package logging provides structured logging for the portal.
//
// It wraps log/slog so every component logs JSON (or text during
// development) with the service name and version attached:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Domain packages do not import this package directly. They declare a small
// Logger interface (Debug/Info/Warn/Error) which *Logger satisfies.
package logging
