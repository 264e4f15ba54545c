// Package session keeps per-connection presence records in Redis so other
// services can see which users are live and on which hub instance.
package session
