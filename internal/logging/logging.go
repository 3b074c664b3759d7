// Package logging configures the process logger and the error reporter.
package logging

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/labstack/gommon/log"
	"github.com/rollbar/rollbar-go"
	rollbarerrors "github.com/rollbar/rollbar-go/errors"
)

const header = `${time_rfc3339} ${level} ${short_file}:${line}`

// Options configure Setup.
type Options struct {
	Level        string
	RollbarToken string
	Environment  string
	ServerHost   string
	CodeVersion  string
}

var reporting atomic.Bool

// Setup applies the log level and header and enables Rollbar when a token
// is configured.
func Setup(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetHeader(header)

	if opts.RollbarToken == "" {
		rollbar.SetEnabled(false)
		reporting.Store(false)
		return nil
	}
	rollbar.SetToken(opts.RollbarToken)
	rollbar.SetEnvironment(opts.Environment)
	rollbar.SetServerHost(opts.ServerHost)
	rollbar.SetCodeVersion(opts.CodeVersion)
	rollbar.SetStackTracer(rollbarerrors.StackTracer)
	rollbar.SetEnabled(true)
	reporting.Store(true)
	log.Infof("error reporting enabled: environment=%s", opts.Environment)
	return nil
}

// ParseLevel maps a configured level name to a gommon level.
func ParseLevel(level string) (log.Lvl, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DEBUG, nil
	case "", "info":
		return log.INFO, nil
	case "warn", "warning":
		return log.WARN, nil
	case "error":
		return log.ERROR, nil
	case "off":
		return log.OFF, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

// Report logs a failure that was handled without failing the caller, and
// forwards it to Rollbar when reporting is enabled.
func Report(err error, extras map[string]interface{}) {
	if err == nil {
		return
	}
	fields := make([]string, 0, len(extras))
	for key, value := range extras {
		fields = append(fields, fmt.Sprintf("%s=%v", key, value))
	}
	log.Errorf("%v %s", err, strings.Join(fields, " "))

	if reporting.Load() {
		rollbar.Error(err, extras)
	}
}

// Close flushes pending reports.
func Close() {
	if reporting.Load() {
		rollbar.Close()
	}
}
