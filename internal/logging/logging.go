// Package logging configures the supervisor's structured logger, replacing
// the teacher's fmt.Printf calls with logrus fields (service, state,
// target, pid) as described in SPEC_FULL.md §10.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// New builds the package-level logger: JSON output when stderr isn't a
// terminal (log aggregation friendly), colored text when it is.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if isTerminal(os.Stderr.Fd()) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}

// ForService returns a logger pre-populated with the service field.
func ForService(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("service", name)
}
