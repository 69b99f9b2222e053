package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var glogger *zap.Logger = zap.NewNop()

func SetLogger(logger *zap.Logger) {
	glogger = logger
}

func EnableDefaultLogger() {
	conf := zap.NewProductionConfig()
	conf.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger, err := conf.Build()
	if err != nil {
		panic(err)
	}
	SetLogger(logger)
}

func Debug(msg string, fields ...zap.Field) {
	glogger.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	glogger.Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	glogger.Error(msg, fields...)
}
