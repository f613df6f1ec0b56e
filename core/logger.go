package core

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Used if no log.json object is found
const defaultLogConfig = `{
	"level": "info",
	"development": false,
	"encoding": "json",
	"outputPaths": ["stdout"],
	"errorOutputPaths": ["stderr"],
	"disableCaller": false,
	"disableStackTrace": false,
	"encoderConfig": {
		"messageKey": "message",
		"levelKey": "level",
		"levelEncoder": "lowercase",
		"callerKey": "caller",
		"callerEncoder": "",
		"timeKey": "ts",
		"timeEncoder": "ISO8601"
		}
	}`

// Optional section in log.json. If present, the output is written to a rotated file
// instead of to the outputPaths
type logRotationConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var ilogger atomic.Pointer[zap.SugaredLogger]

func init() {
	logger, err := buildLogger([]byte(defaultLogConfig))
	if err != nil {
		panic(err)
	}
	ilogger.Store(logger.Sugar())
}

// https://pkg.go.dev/go.uber.org/zap
// Configures the logger with the log.json object
func initLogger(cm *ConfigurationManager) {

	jConfig, err := cm.GetBytesConfigObject("log.json")
	if err != nil {
		fmt.Println("using default logging configuration")
		jConfig = []byte(defaultLogConfig)
	}

	logger, err := buildLogger(jConfig)
	if err != nil {
		panic(err)
	}

	ilogger.Store(logger.Sugar())
}

// Builds a zap logger from its JSON configuration, using lumberjack for the output
// if there is a "rotation" section
func buildLogger(jConfig []byte) (*zap.Logger, error) {

	var cfg zap.Config
	if err := json.Unmarshal(jConfig, &cfg); err != nil {
		return nil, err
	}

	var rotation struct {
		Rotation *logRotationConfig `json:"rotation"`
	}
	if err := json.Unmarshal(jConfig, &rotation); err != nil {
		return nil, err
	}

	if rotation.Rotation == nil {
		return cfg.Build()
	}

	if rotation.Rotation.Filename == "" {
		return nil, fmt.Errorf("log rotation without filename")
	}

	if cfg.Level == (zap.AtomicLevel{}) {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	var encoder zapcore.Encoder
	if cfg.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(cfg.EncoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	}

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   rotation.Rotation.Filename,
		MaxSize:    max(rotation.Rotation.MaxSizeMB, 10),
		MaxBackups: max(rotation.Rotation.MaxBackups, 1),
		MaxAge:     max(rotation.Rotation.MaxAgeDays, 7),
		Compress:   rotation.Rotation.Compress,
	})

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return zap.New(zapcore.NewCore(encoder, writer, cfg.Level), opts...), nil
}

// Used globally to get access to the logger
func GetLogger() *zap.SugaredLogger {
	return ilogger.Load()
}
