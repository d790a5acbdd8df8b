/*
Package log provides structured logging for modelmeter using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

Initializing the logger:

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Structured logging:

	log.Logger.Info().
		Str("org_id", orgID).
		Str("model_label", label).
		Int64("cost_usd_micros", cost).
		Msg("Usage accepted")

Component loggers:

	meterLog := log.WithComponent("metering")
	meterLog.Debug().Str("shard_key", key).Msg("Updating shard")

Never log client secrets, raw tokens, or token-signing material. Log the jti
and client_id instead when correlating auth events.
*/
package log
