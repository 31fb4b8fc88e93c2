// Package watcher emits create, delete and modify events for the files
// of a single directory. Native notifications come from fsnotify; when
// the kernel drops events the watcher falls back to a full-listing
// rescan that reconciles its view, so consumers converge on the real
// directory contents either way.
package watcher
