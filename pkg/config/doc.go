// Package config loads and validates the issuesync YAML configuration
// and hot-reloads the repository mapping when the file changes on disk.
package config
