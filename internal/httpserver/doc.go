// Package httpserver runs the dev server's listener and shuts it down
// within a bounded grace period.
package httpserver
