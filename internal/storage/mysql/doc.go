// Package mysql provides MySQL-backed implementations of the auth, identity,
// listing, market and dispute stores. Each store applies the embedded schema
// migrations when it is constructed.
package mysql
