// Package server exposes the engine's health, status and metrics over a
// localhost HTTP listener, plus a thumbnail fetch endpoint for the UI.
package server
