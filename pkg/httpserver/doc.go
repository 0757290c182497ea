// Package httpserver runs an http.Server bound to a context and serves
// health probes.
//
//	srv := httpserver.New(cfg, httpserver.WithLogger(log))
//	if err := srv.Run(ctx, router); err != nil {
//		return err
//	}
//
// Run returns once ctx is cancelled and in-flight requests have drained or
// Config.ShutdownTimeout has passed.
package httpserver
