// Package middleware provides the HTTP middleware of the admin server:
// request IDs, structured request logging and panic recovery.
//
//	handler = middleware.Chain(mux,
//		middleware.Recovery(logger),
//		middleware.RequestID,
//		middleware.Logging(logger),
//	)
package middleware
