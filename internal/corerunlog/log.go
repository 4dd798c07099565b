// Package corerunlog configures the process-wide logrus logger and hands
// out component-scoped entries, replacing the teacher's fmt.Println/
// ">>>> cmd args" convention with leveled, structured records.
package corerunlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetVerbose switches the base logger to debug level.
func SetVerbose(verbose bool) {
	if verbose {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// For returns a logger entry scoped to one component, e.g. "cgroup" or
// "netdrv". Entries carry only the component field; no caller in this
// module adds a container_id field.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Command announces an external command about to run, mirroring the
// teacher's "fmt.Println(desc); fmt.Println(\">>>>\", name, args)" habit
// but through the structured logger.
func Command(entry *logrus.Entry, desc, name string, args ...string) {
	entry.WithFields(logrus.Fields{
		"cmd":  name,
		"args": args,
	}).Debug(desc)
}
