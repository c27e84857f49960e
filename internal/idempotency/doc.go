// Package idempotency lets operators retry dispatch requests safely.
//
// A POST carrying an Idempotency-Key header is executed once; later requests
// with the same key, method, path, and body receive the stored response with
// an Idempotent-Replayed header. The memory backend suits a single controller.
// The Redis backend shares keys across controllers.
package idempotency
