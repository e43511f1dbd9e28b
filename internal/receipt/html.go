package receipt

import (
	"embed"
	"io/fs"
)

//go:embed static/index.html
var indexHTML []byte

//go:embed static/manifest.webmanifest
var manifestJSON []byte

//go:embed static/service-worker.js
var serviceWorkerJS []byte

//go:embed static/app.css static/app.js static/icon.svg static/controllers/*.js
var staticFS embed.FS

// getStaticFS returns the embedded assets rooted at static/
func getStaticFS() fs.FS {
	fsys, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return fsys
}
