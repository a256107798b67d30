// Package storage persists the alarm configuration document.
//
// Drivers store one opaque JSON document under a single key:
//   - file: JSON file with atomic replace and fsnotify change detection
//   - sqlite, postgres: one row in the alarm_config table
//   - redis: one string key
//   - badger: one key in an embedded KV directory
package storage
