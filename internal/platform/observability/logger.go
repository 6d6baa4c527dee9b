package observability

import (
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"stock-reservation-service/internal/config"
)

const instrumentationScope = "stock-reservation-service.manual"

// NewLogger builds the JSON console logger. When withOTel is set the console
// core is teed with the OpenTelemetry bridge so records are also exported
// through the global logger provider.
func NewLogger(env string, withOTel bool) *zap.Logger {
	level := zap.InfoLevel
	if env == "development" {
		level = zap.DebugLevel
	}

	consoleEncoderConfig := zap.NewProductionEncoderConfig()
	consoleEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(consoleEncoderConfig),
		zapcore.Lock(os.Stdout),
		level,
	)

	if withOTel {
		otelZapCore := otelzap.NewCore(instrumentationScope,
			otelzap.WithLoggerProvider(global.GetLoggerProvider()),
		)
		core = zapcore.NewTee(otelZapCore, core)
	}

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", config.ServiceName)),
	)
}
