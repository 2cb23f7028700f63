// Package ingest is the business boundary for location events. It defines
// the Service (dedup, indexing, classification, dispatch), the audit Store
// interface and the result model.
package ingest
