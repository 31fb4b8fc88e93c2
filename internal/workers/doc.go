// Package workers calculates worker pool sizes based on available CPU.
package workers
