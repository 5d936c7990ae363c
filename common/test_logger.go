package common

import (
	"testing"

	"github.com/sirupsen/logrus"
)

// testWriter routes logrus output through testing.T.Log so that output only
// surfaces for failed tests under `go test -v`.
type testWriter struct {
	t testing.TB
}

func (w *testWriter) Write(d []byte) (int, error) {
	n := len(d)
	if n > 0 && d[n-1] == '\n' {
		d = d[:n-1]
	}
	w.t.Log(string(d))
	return n, nil
}

// NewTestLogger returns a Debug-level logger that writes through t.Log
// instead of stderr, for use in component constructors under test.
func NewTestLogger(t testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.Out = &testWriter{t: t}
	logger.Level = logrus.DebugLevel
	return logger
}
