// Package logging provides leveled logging configured from the LOG_LEVEL
// and DEBUG environment variables.
package logging
