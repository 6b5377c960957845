package logger

import (
	"fmt"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the package-level oarkflow/log logger.
type PhusluLogger struct{}

func NewPhusluLogger() *PhusluLogger { return &PhusluLogger{} }

func (p *PhusluLogger) Debug(msg string, keyvals ...any) { withFields(phlog.Debug(), keyvals).Msg(msg) }
func (p *PhusluLogger) Info(msg string, keyvals ...any)  { withFields(phlog.Info(), keyvals).Msg(msg) }
func (p *PhusluLogger) Warn(msg string, keyvals ...any)  { withFields(phlog.Warn(), keyvals).Msg(msg) }
func (p *PhusluLogger) Error(msg string, keyvals ...any) { withFields(phlog.Error(), keyvals).Msg(msg) }

func withFields(b *phlog.Entry, keyvals []any) *phlog.Entry {
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch vv := keyvals[i+1].(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case error:
			b = b.Str(ks, vv.Error())
		default:
			b = b.Any(ks, vv)
		}
	}
	return b
}
