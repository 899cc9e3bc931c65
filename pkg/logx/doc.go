// Package logx wraps zerolog behind a small field-based Logger.
//
// Console output is short and human-oriented; file output is JSON. Records at
// or above a configured level can also be forwarded to an AlertSink, which
// taskforged uses to publish log.alert events.
package logx
