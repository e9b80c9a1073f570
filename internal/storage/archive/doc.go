// Package archive persists finished pipeline runs. A JSONL file repository
// serves single-node deployments; the SQL repository targets MySQL or an
// embedded SQLite database and applies the migrations under deploy/migrations.
package archive
