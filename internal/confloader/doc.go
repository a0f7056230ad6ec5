// Package confloader loads engine options from files and the environment.
//
// It uses Koanf for flexible configuration loading from multiple
// sources with priority: Env > File > Default.
//
//   - loader.go: koanf-backed loader with YAML file and KEEP_ env providers
//   - provider.go: map provider for programmatic overrides and tests
//   - watcher.go: fsnotify watcher with debounced change dispatch
//
// The loader is schema-free; the options structs that unmarshal from it
// live with the engine facade.
package confloader
