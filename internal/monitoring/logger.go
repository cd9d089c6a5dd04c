// Package monitoring holds the diagnostic logger shared by the tracking
// packages.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf and
// can be redirected or muted with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
