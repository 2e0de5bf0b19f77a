// Package logx is chestnut's structured logger, a thin layer over zerolog.
//
// A Logger obtained from a Service follows Service.Apply, so a config reload
// can change the level or sinks without handing out new loggers. The zero
// Logger discards everything.
package logx
