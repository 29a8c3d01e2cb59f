package ticketdb

import (
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// zapLogger routes badger's printf-style logging into zap.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger adapts logger for Config.Logger. Badger's info output is
// demoted to debug; it is chatty during compaction.
func NewZapLogger(logger *zap.Logger) badger.Logger {
	if logger == nil {
		return nil
	}
	return &zapLogger{s: logger.Named("badger").Sugar()}
}

func (l *zapLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(trim(f), v...) }
func (l *zapLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(trim(f), v...) }
func (l *zapLogger) Infof(f string, v ...interface{})    { l.s.Debugf(trim(f), v...) }
func (l *zapLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(trim(f), v...) }

func trim(f string) string {
	return strings.TrimSuffix(f, "\n")
}
