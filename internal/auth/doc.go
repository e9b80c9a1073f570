// Package auth guards the HTTP API with static bearer tokens. Each token maps
// to a named subject carrying permissions; the middleware checks them per
// HTTP method and writes accepted and denied requests to the audit log.
package auth
