package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// log levels as taken by -ll; zap's level is ours minus one
const (
	logDebug = iota
	logInfo
	logWarning
	logError
	logFatal

	defaultLogLevel = logInfo
)

// newLogger builds the console logger, teed into a rotating file when
// logFile is set. The returned func flushes and closes the file.
func newLogger(level int, logFile string) (*zap.Logger, func()) {
	atomicLevel := zap.NewAtomicLevel()
	atomicLevel.SetLevel(zapcore.Level(level - 1))

	encCfg := zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		NameKey:     "logger",
		EncodeLevel: zapcore.CapitalColorLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:  zapcore.FullNameEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), atomicLevel),
	}

	var file *lumberjack.Logger
	if logFile != "" {
		file = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28,
		}
		fileCfg := encCfg
		fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileCfg), zapcore.AddSync(file), atomicLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	return logger, func() {
		logger.Sync()
		if file != nil {
			file.Close()
		}
	}
}
