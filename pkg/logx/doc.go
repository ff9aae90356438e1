// Package logx wraps zerolog behind a small Logger value type with a
// reloadable sink Service, so components can hold a logger that stays live
// across config re-application.
package logx
