// Package config provides centralized configuration management for the
// OpenIntent runtime: a single JSON file with defaults applied relative to
// the file's own directory, plus typed duration accessors for downstream
// services. Catalog files referenced from it (chains, adapters, plugins,
// intent actions) are resolved against the same base directory.
package config
