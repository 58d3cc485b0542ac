package logging

import (
	"strings"

	"github.com/wudi/filterkit/host"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// HostLogger is the log primitive of a host.
type HostLogger interface {
	Log(level host.LogLevel, msg string)
}

// hostCore is a zapcore.Core that renders entries with a console encoder
// and hands the line to the host's log primitive.
type hostCore struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	sink HostLogger
}

// NewHostCore returns a core writing to h at or above enab.
func NewHostCore(h HostLogger, enab zapcore.LevelEnabler) zapcore.Core {
	encCfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		NameKey:          "logger",
		EncodeName:       zapcore.FullNameEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	return &hostCore{
		LevelEnabler: enab,
		enc:          zapcore.NewConsoleEncoder(encCfg),
		sink:         h,
	}
}

// NewHostLogger builds a named zap logger on top of NewHostCore.
func NewHostLogger(h HostLogger, name string, enab zapcore.LevelEnabler) *zap.Logger {
	return zap.New(NewHostCore(h, enab)).Named(name)
}

func (c *hostCore) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &hostCore{LevelEnabler: c.LevelEnabler, enc: enc, sink: c.sink}
}

func (c *hostCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *hostCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	msg := strings.TrimSuffix(buf.String(), "\n")
	buf.Free()
	c.sink.Log(hostLevel(ent.Level), msg)
	return nil
}

func (c *hostCore) Sync() error { return nil }

func hostLevel(l zapcore.Level) host.LogLevel {
	switch {
	case l < zapcore.InfoLevel:
		return host.LogLevelDebug
	case l == zapcore.InfoLevel:
		return host.LogLevelInfo
	case l == zapcore.WarnLevel:
		return host.LogLevelWarn
	case l == zapcore.ErrorLevel:
		return host.LogLevelError
	default:
		return host.LogLevelCritical
	}
}
