// Package cmd implements the audit-relay command line: serve, queue and version.
package cmd
