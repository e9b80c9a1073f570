// Package llm defines the uniform capability the pipeline needs from a
// large language model: generate text for a prompt and report usage. Vendor
// clients live in sub-packages and are selected through llm/provider; this
// package also owns the per-backend usage counters and request throttling.
package llm
