package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Mode     string // production | development
	Filename string // rotated JSON log file, empty disables file output
}

// Init builds the process logger and installs it as the zap global.
func Init(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Mode == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if opts.Filename != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(rotator),
				cfg.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				cfg.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = cfg.Build(zap.AddCaller())
		if err != nil {
			return nil, err
		}
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Fatal logs a startup failure and exits.
func Fatal(msg string, err error) {
	zap.L().Fatal(msg, zap.Error(err))
}
