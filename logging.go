// Copyright 2026 The Kestrel Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mitmcore

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// defaultLogger is the process-wide structured logger used whenever a
// caller doesn't have (or care to have) a scoped logger of its own. It
// is swappable so embedders can redirect output without plumbing a
// *zap.Logger through every constructor.
var (
	defaultLogger   *zap.Logger
	defaultLoggerMu sync.RWMutex
)

func init() {
	defaultLogger = newProductionLogger()
}

// Log returns the current process-wide logger. Subsystems that aren't
// handed a scoped logger explicitly (e.g. background sweepers started
// before a request exists) fall back to this.
func Log() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetLogger replaces the process-wide logger, returning the previous
// one. Embedders call this once at startup to route logs to their own
// sink; the core never assumes a particular destination.
func SetLogger(l *zap.Logger) *zap.Logger {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	old := defaultLogger
	defaultLogger = l
	return old
}

func newProductionLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		zap.NewAtomicLevelAt(zapcore.InfoLevel),
	)
	return zap.New(core).Named("mitmcore")
}

// subsystemLogger returns a named child of the process logger; each
// manager (cert factory, agent pool, pipeline, ...) gets one so log
// lines are attributable without passing a discriminator field around.
func subsystemLogger(name string) *zap.Logger {
	return Log().Named(name)
}
