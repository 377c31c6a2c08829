// Package bootstrap sequences process startup.
//
// Storage is initialized first and any failure aborts startup. The messaging
// client is connected next; an unreachable broker is logged and startup
// continues with messaging disabled, while every other messaging error is
// fatal. The messaging event loop is then started on a detached background
// task, the application handler is built, and the HTTP server for the
// configured mode takes over the calling goroutine.
//
// Usage:
//
//	b := bootstrap.New(cfg, logger, bootstrap.DefaultCollaborators(cfg, logger, m))
//	if err := b.Run(ctx); err != nil {
//	    logger.Fatal("startup failed", zap.Error(err))
//	}
package bootstrap
