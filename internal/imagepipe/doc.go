// Package imagepipe implements the default thumbnail decode/encode
// pipeline using libvips when available and pure-Go imaging otherwise.
package imagepipe
