/*
Package log provides structured logging for scanplane using zerolog.

Init configures the global Logger once at startup; until then it discards
everything, which keeps tests quiet:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Components take a child logger when they are constructed and log through it:

	logger := log.WithComponent("dispatch")
	logger.Info().Str("task_id", id).Msg("Stage dispatched")

WithTaskID and WithStage add the identifiers operators
filter on. Field names are snake_case (task_id, stage_id, executor_id,
tenant_id). Messages start with a capital letter and carry no trailing
punctuation.

Console output (the default) is meant for terminals; use JSON output when
logs are shipped anywhere.
*/
package log
