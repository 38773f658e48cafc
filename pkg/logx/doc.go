// Package logx is timerbot's logging front end over zerolog.
//
// One Service owns the sinks (console, JSON file, operator chat) and can be
// reconfigured at runtime; Loggers derived from it follow every change.
package logx
