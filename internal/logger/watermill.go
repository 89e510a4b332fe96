package logger

import (
	"github.com/ThreeDotsLabs/watermill"
)

type watermillAdapter struct {
	log    Logger
	fields watermill.LogFields
}

// Watermill bridges a Logger to watermill.LoggerAdapter. Watermill's trace
// level is folded into debug.
func Watermill(log Logger) watermill.LoggerAdapter {
	return &watermillAdapter{log: log.Named("watermill")}
}

func (a *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Errorw(msg, append(a.keysAndValues(fields), "error", err)...)
}

func (a *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Infow(msg, a.keysAndValues(fields)...)
}

func (a *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debugw(msg, a.keysAndValues(fields)...)
}

func (a *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debugw(msg, a.keysAndValues(fields)...)
}

func (a *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{log: a.log, fields: a.fields.Add(fields)}
}

func (a *watermillAdapter) keysAndValues(fields watermill.LogFields) []interface{} {
	merged := a.fields.Add(fields)
	kv := make([]interface{}, 0, len(merged)*2)
	for k, v := range merged {
		kv = append(kv, k, v)
	}
	return kv
}
