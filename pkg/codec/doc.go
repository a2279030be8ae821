// Package codec encodes and decodes the replicated operations with
// stable numeric wire tags, so independently built replicas agree on
// every log entry.
package codec
