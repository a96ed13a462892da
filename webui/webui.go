// Package webui embeds the single page web client served by the gateway.
package webui

import (
	"embed"
	"io/fs"
)

//go:embed static
var content embed.FS

// Assets returns the static file tree rooted at the directory that holds
// index.html.
func Assets() fs.FS {
	sub, err := fs.Sub(content, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
