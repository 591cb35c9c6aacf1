// Package environment carries the build configuration (development, staging,
// production) through context.Context and maps it to the store environment
// that purchases are verified against.
//
// Production builds accept only production store transactions. Every other
// build also accepts sandbox transactions, which is what TestFlight and
// local builds produce.
//
//	ctx = environment.WithContext(ctx, environment.Parse(cfg.Env))
//	if !environment.FromContext(ctx).Accepts(environment.StoreSandbox) {
//	    return ErrEnvironmentMismatch
//	}
//
// LoggerExtractor adds the current environment to log records.
package environment
