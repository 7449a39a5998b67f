package util

import (
	"sync"

	"go.uber.org/zap"
)

var (
	gLogger     *zap.Logger
	gLoggerOnce sync.Once
)

func logger() *zap.Logger {
	gLoggerOnce.Do(func() {
		if gLogger == nil {
			l, err := zap.NewProduction(zap.AddCallerSkip(1))
			if err != nil {
				panic(err)
			}
			gLogger = l
		}
	})
	return gLogger
}

// SetLogger replaces the process logger. Call it before the first log line.
func SetLogger(l *zap.Logger) {
	gLogger = l
}

func Debug(msg string, fields ...zap.Field) {
	logger().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	logger().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger().Error(msg, fields...)
}

func Panic(msg string, fields ...zap.Field) {
	logger().Panic(msg, fields...)
}
