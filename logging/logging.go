// Package logging initializes the application log.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type prefixFormatter struct {
	prefix    string
	formatter logrus.Formatter
}

// Init options for logging.
type Options struct {

	// Prefix for application log entries.
	ApplicationLogPrefix string

	// Output for the application log entries, when nil, os.Stderr is
	// used.
	ApplicationLogOutput io.Writer

	// When set, log entries are printed as JSON.
	ApplicationLogJSONEnabled bool

	// Level sets the application log level, one of the logrus level
	// names. Empty means info.
	Level string
}

func (f *prefixFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b, err := f.formatter.Format(e)
	if err != nil {
		return nil, err
	}
	return append([]byte(f.prefix), b...), nil
}

// Init the logging system based on the options.
func Init(o Options) error {
	if o.ApplicationLogJSONEnabled {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else if o.ApplicationLogPrefix != "" {
		logrus.SetFormatter(&prefixFormatter{
			o.ApplicationLogPrefix, logrus.StandardLogger().Formatter})
	}

	if o.ApplicationLogOutput == nil {
		o.ApplicationLogOutput = os.Stderr
	}
	logrus.SetOutput(o.ApplicationLogOutput)

	if o.Level != "" {
		level, err := logrus.ParseLevel(o.Level)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
	}
	return nil
}
