// Package livereload refreshes browsers when the static assets change.
//
// A Watcher follows the asset directory with fsnotify and coalesces bursts
// of events (a build writing dozens of files) into one Change. The Hub
// keeps a websocket per open page and pushes a reload message for every
// Change; ClientScript is the small script injected into HTML pages that
// listens for it.
package livereload
