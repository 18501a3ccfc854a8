// Package mysql provides the shared MySQL connection pool and the schema
// migration runner. Stores that persist to MySQL receive an opened *sql.DB
// from here; migrations are embedded from deploy/migrations and applied
// once at startup, tracked in the schema_migrations table.
package mysql
