// Package config loads, validates, and hot-reloads the proxy's
// configuration file: the mcpServers descriptor map, optional
// mcpTemplates overlay, and the lazyLoading block. Manager watches the file
// with fsnotify and hands successive generations to the change analyzer and
// reload controller.
package config
