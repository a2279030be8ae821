// Package metrics defines Burrow's Prometheus collectors and the
// metrics HTTP endpoint.
package metrics
