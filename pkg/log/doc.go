// Package log configures zerolog for the library's diagnostic output.
// The tables themselves never log on hot paths; logging happens through
// the observe.Observer hooks (see pkg/metrics), and this package supplies
// the logger those hooks write to. Output is disabled until Init is
// called, so importing the library stays silent by default.
package log
