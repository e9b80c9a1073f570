// Package sovereign is a Go client for the O-Sovereign REST API.
package sovereign
