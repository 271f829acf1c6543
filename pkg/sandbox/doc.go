// Package sandbox resolves the client://, session://, pilot:// and
// task:// URL schemes staging directives use (spec.md §4.5) into
// concrete filesystem paths, using sandbox roots fixed once at agent
// boot from the RADICAL_PILOT_*_SANDBOX environment variables.
package sandbox
