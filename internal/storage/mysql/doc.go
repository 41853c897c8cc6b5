// Package mysql persists the transaction journal in MySQL. It owns the
// connection pool setup and applies the embedded schema migrations on start.
package mysql
