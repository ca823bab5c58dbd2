// Package database provides pgx connection pool management for the postgres
// cache backend used by headless bot deployments.
package database
