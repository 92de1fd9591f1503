// Package testsupport holds small test doubles shared across packages,
// grounded on the teacher's per-package NoopLogger
// (internal/dedupe/redis/test_helpers.go) — lifted here once so every
// _test.go in this repo can reuse it instead of redeclaring it.
package testsupport

import "gitlab.com/nevasik7/alerting/logger"

type NoopLogger struct{}

func (NoopLogger) Debug(string)                    {}
func (NoopLogger) Debugf(string, ...interface{})   {}
func (NoopLogger) Info(string)                     {}
func (NoopLogger) Infof(string, ...interface{})    {}
func (NoopLogger) Warn(string)                     {}
func (NoopLogger) Warnf(string, ...interface{})    {}
func (NoopLogger) Error(string)                    {}
func (NoopLogger) Errorf(string, ...interface{})   {}
func (NoopLogger) Fatal(string)                    {}
func (NoopLogger) Fatalf(string, ...interface{})   {}
func (NoopLogger) Panic(string)                    {}
func (NoopLogger) Panicf(string, ...interface{})   {}

func (n NoopLogger) WithField(key string, value interface{}) logger.Logger {
	return n
}

func (n NoopLogger) WithFields(fields map[string]interface{}) logger.Logger {
	return n
}
