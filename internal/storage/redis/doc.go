// Package redis provides the scheduling lease used to keep two questd
// processes from driving the same wallet at once. A lease is a Redis key set
// with NX and a TTL whose value is a random token; only the holder of the
// token may delete it.
package redis
