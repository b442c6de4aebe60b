package cowdisk

import (
	log "log/slog"
	"os"
)

var logLevel = new(log.LevelVar)

// ConfigureLogging sets up the package-default structured logger: a
// TextHandler writing to stdout, level controlled by COWDISK_LOG_LEVEL
// (DEBUG, WARN, ERROR; defaults to INFO). Call it once at process startup;
// the engine itself never calls it implicitly.
func ConfigureLogging() {
	logLevel.Set(log.LevelInfo)

	switch os.Getenv("COWDISK_LOG_LEVEL") {
	case "DEBUG":
		logLevel.Set(log.LevelDebug)
	case "WARN":
		logLevel.Set(log.LevelWarn)
	case "ERROR":
		logLevel.Set(log.LevelError)
	}

	handler := log.NewTextHandler(os.Stdout, &log.HandlerOptions{
		Level: logLevel,
	})
	log.SetDefault(log.New(handler))
}

// SetLogLevel overrides the level set by ConfigureLogging.
func SetLogLevel(level log.Level) {
	logLevel.Set(level)
}
