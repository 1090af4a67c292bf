// Package webassets embeds the pages served when the dashboard directory is
// missing or has no page of its own for an error.
package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed fallback
var embedded embed.FS

// FallbackFS holds unavailable.html and 404.html.
func FallbackFS() fs.FS {
	sub, err := fs.Sub(embedded, "fallback")
	if err != nil {
		panic(fmt.Errorf("webassets: fallback subfs: %w", err))
	}
	return sub
}
