// Package redis offers distributed locking (LockManager) and a JSON
// read-through cache (Cache) backed by Redis. It provides no queue or
// rate-limiting primitives.
package redis
