// Package logging builds the process logger.
//
// New returns a *slog.Logger writing JSON or text at the configured level.
// Request-scoped fields travel in the context and are added to every record
// logged with the *Context methods:
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json", RedactSecrets: true})
//	if err != nil {
//		return err
//	}
//	ctx = logging.WithRequestID(ctx, id)
//	logger.InfoContext(ctx, "request routed", "provider", "openai")
//
// With RedactSecrets set, attributes whose key names a credential are
// replaced with "***", and API keys or bearer tokens embedded in string
// values (typically upstream error messages) are masked.
package logging
