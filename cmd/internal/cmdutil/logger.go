package cmdutil

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type loggerConfig struct {
	level string
	json  bool
}

var loggerCfg = loggerConfig{
	level: zerolog.InfoLevel.String(),
}

func RegisterLoggerFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(
		&loggerCfg.level,
		"level",
		loggerCfg.level,
		"what level to log at - maps to zerolog.Level",
	)
	cmd.PersistentFlags().BoolVar(
		&loggerCfg.json,
		"log-json",
		loggerCfg.json,
		"log as JSON lines instead of console output",
	)
}

// Logger returns the logger configured by flags. Logs go to stderr so that
// command output can be piped.
func Logger() (zerolog.Logger, error) {
	var logger zerolog.Logger
	if loggerCfg.json {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
		})).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(loggerCfg.level)
	if err != nil {
		return logger, err
	}
	return logger.Level(lvl), nil
}
