// Package main provides a CLI for managing propolis role schemas.
//
// The CLI supports:
//   - validate: Check roles.yaml syntax and rule paths
//   - migrate: Load the schema into PostgreSQL (creates tables, upserts roles)
//   - rebuild: Re-derive all propagated grants from scratch
//   - status: Check current migration state
//
// This tool is typically run during development and deployment to keep
// the database role model synchronized with roles.yaml.
//
// Usage:
//
//	propolis [flags] <command>
//
// Commands that require database access (migrate, rebuild, status) need
// --db, PROPOLIS_DATABASE_URL, or database settings in propolis.yaml.
// validate only reads files.
package main

func main() {
	Execute()
}
