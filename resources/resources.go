package resources

import (
	"embed"
)

// Default configuration objects. Retrieved using the resource:// origin in the search rules

//go:embed *.json *.yaml testClient
var Fs embed.FS
