// Package httpserver runs the service's HTTP listener with graceful
// shutdown.
//
// Run blocks until the context is cancelled, SIGINT or SIGTERM arrives, or
// Shutdown is called. Request contexts derive from a base context that is
// cancelled as soon as shutdown begins, so long-lived responses such as the
// entitlement event stream return instead of holding shutdown until its
// deadline.
//
//	srv := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log))
//	if err := srv.Run(ctx, router); err != nil {
//		return err
//	}
//
// LivenessHandler and ReadinessHandler serve the probes. Readiness runs
// every named Check with a bounded timeout and reports the failing names.
//
// Listen errors are wrapped with ErrStart and shutdown errors with
// ErrShutdown.
package httpserver
