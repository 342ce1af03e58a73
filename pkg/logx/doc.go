// Package logx wraps zerolog behind a small structured-logging facade.
//
// Components receive a Logger value and never touch zerolog directly, so
// sink/level changes applied at runtime (config reload) take effect without
// re-plumbing loggers through the app.
package logx
