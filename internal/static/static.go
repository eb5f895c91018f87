// Package static embeds the dashboard page served at the site root.
package static

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gin-contrib/static"
)

//go:embed all:build
var site embed.FS

type siteFS struct {
	http.FileSystem
}

// Exists reports whether the request path, relative to prefix, names an
// embedded file or directory. Directories are served through their index.html.
func (s siteFS) Exists(prefix, path string) bool {
	name := strings.TrimPrefix(path, strings.TrimSuffix(prefix, "/"))
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}

	f, err := s.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()

	_, err = f.Stat()
	return err == nil
}

// SiteFS returns the embedded build directory for static.Serve.
func SiteFS() (static.ServeFileSystem, error) {
	sub, err := fs.Sub(site, "build")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded site: %w", err)
	}
	return siteFS{FileSystem: http.FS(sub)}, nil
}
