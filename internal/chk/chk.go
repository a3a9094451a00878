// Package chk provides the logged-check idiom used throughout this
// repository: `if chk.E(err) { return }` logs the error at the call site
// (with caller info) and reports whether one occurred, so error handling
// reads as a guard clause instead of a nested if/else.
package chk

import (
	"runtime"

	"novarelay.dev/internal/logging"
)

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "?"
	}
	return shortFile(file) + ":" + itoa(line)
}

func shortFile(file string) string {
	for i := len(file) - 1; i >= 0; i-- {
		if file[i] == '/' {
			return file[i+1:]
		}
	}
	return file
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// E logs err at error level and returns true if err is non-nil. A no-op
// returning false when err is nil.
func E(err error) bool {
	if err == nil {
		return false
	}
	logging.L().Error().Str("at", caller(2)).Err(err).Send()
	return true
}

// T logs err at trace level and returns true if err is non-nil. Intended for
// expected/benign errors (e.g. "not found") that should not alarm operators.
func T(err error) bool {
	if err == nil {
		return false
	}
	logging.L().Trace().Str("at", caller(2)).Err(err).Send()
	return true
}

// W logs err at warn level and returns true if err is non-nil.
func W(err error) bool {
	if err == nil {
		return false
	}
	logging.L().Warn().Str("at", caller(2)).Err(err).Send()
	return true
}
