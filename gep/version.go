package gep

// Identification reported to publishers inside the subscription
// connection string's assemblyInfo section.
const (
	SourceName = "GEP4Go"
	Version    = "1.0.0"
	BuildDate  = "2026-08-01"
)
