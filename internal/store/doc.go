// Package store keeps engine evaluations in memory and persists them as an
// eval log: a CSV file with one row per position, optionally compressed with
// gzip (.gz) or zstd (.zst). Saves are atomic; a crash mid-save leaves the
// previous log intact.
package store
