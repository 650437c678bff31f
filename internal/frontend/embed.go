//go:build embed

// Package frontend serves the editor web client. With the embed build
// tag the static tree ships inside the binary; otherwise Handler
// returns nil and main falls back to the filesystem.
package frontend

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var staticFiles embed.FS

func Handler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
