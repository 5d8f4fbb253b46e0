package adb

import "github.com/rs/zerolog"

// discardLogger returns a zerolog.Logger that drops everything, for tests
// that don't care about log output.
func discardLogger() zerolog.Logger {
	return zerolog.Nop()
}
