// Package logx is a small structured logging wrapper over zerolog.
//
// Console output is human readable with a short timestamp and caller; file
// output is JSON. A Service can be reconfigured at runtime with Apply, and
// every Logger derived from it follows the change.
package logx
