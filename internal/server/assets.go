package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/michaelbrown/pulse/web"
)

// clientHandler serves the embedded editor page and its static files. Paths
// that are not a file under dist get index.html so client-side routes load
// the editor; that fallback is never cached, so a redeploy takes effect on
// the next page load.
func clientHandler(assets fs.FS) http.Handler {
	files := http.FileServerFS(assets)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name != "" && name != "index.html" && fs.ValidPath(name) {
			if fi, err := fs.Stat(assets, name); err == nil && !fi.IsDir() {
				files.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		data, err := fs.ReadFile(assets, "index.html")
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	})
}

// clientAssets is the dist directory of the embedded client.
func clientAssets() fs.FS {
	dist, err := fs.Sub(web.Assets, "dist")
	if err != nil {
		// Only possible if the embed pattern changes.
		panic(err)
	}
	return dist
}
