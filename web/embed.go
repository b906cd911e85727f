// Package web holds the static client page served by the execution service.
package web

import "embed"

//go:embed dist
var Assets embed.FS
