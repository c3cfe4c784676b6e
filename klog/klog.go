// Package klog centralizes the kernel's logrus setup. Every subsystem
// takes a *logrus.Entry (never the global logger) so log lines are
// automatically tagged with the owning component, matching the way the
// rest of the kernel threads a *kernel.Kernel handle explicitly instead
// of reaching for package-level state.
package klog

import (
	"io"

	"github.com/sirupsen/logrus"
)

// New builds a logger that writes to w (a console ring buffer, a file,
// or os.Stderr) and returns the "component" sub-entry used by a single
// subsystem.
func New(w io.Writer, component string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l.WithField("component", component)
}

// Sub derives a child entry for a subsystem from an existing logger,
// preserving prior fields (e.g. a boot-session ID) while adding this
// subsystem's name.
func Sub(e *logrus.Entry, component string) *logrus.Entry {
	return e.WithField("component", component)
}
