package static

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

const indexFile = "index.html"

// Options configures the static asset handler.
type Options struct {
	// HistoryFallback serves index.html for missing extensionless paths so
	// client-side routers can own them.
	HistoryFallback bool
	// ScriptURL, when set, is loaded by a script tag injected into every
	// HTML document.
	ScriptURL string
}

// Handler serves files from a directory on disk. Files are read on every
// request so rebuilt assets show up without a restart.
type Handler struct {
	fsys fs.FS
	opts Options
}

func New(dir string, opts Options) *Handler {
	return NewFS(os.DirFS(dir), opts)
}

func NewFS(fsys fs.FS, opts Options) *Handler {
	return &Handler{fsys: fsys, opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	urlPath := path.Clean("/" + r.URL.Path)

	name, ok := h.resolve(urlPath)
	if !ok {
		http.NotFound(w, r)
		return
	}

	h.serveFile(w, r, name)
}

// resolve maps a cleaned URL path onto a file name inside the filesystem.
func (h *Handler) resolve(urlPath string) (string, bool) {
	name := strings.TrimPrefix(urlPath, "/")
	if name == "" {
		name = indexFile
	}

	if info, err := fs.Stat(h.fsys, name); err == nil {
		if !info.IsDir() {
			return name, true
		}
		index := path.Join(name, indexFile)
		if _, err := fs.Stat(h.fsys, index); err == nil {
			return index, true
		}
		return "", false
	}

	if h.opts.HistoryFallback && path.Ext(urlPath) == "" {
		if _, err := fs.Stat(h.fsys, indexFile); err == nil {
			return indexFile, true
		}
	}

	return "", false
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	f, err := h.fsys.Open(name)
	if err != nil {
		serveError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		serveError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")

	if h.opts.ScriptURL != "" && isHTML(name) {
		body, err := io.ReadAll(f)
		if err != nil {
			serveError(w, r, err)
			return
		}
		body = InjectScript(body, h.opts.ScriptURL)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.ServeContent(w, r, name, info.ModTime(), bytes.NewReader(body))
		return
	}

	if rs, ok := f.(io.ReadSeeker); ok {
		http.ServeContent(w, r, name, info.ModTime(), rs)
		return
	}

	body, err := io.ReadAll(f)
	if err != nil {
		serveError(w, r, err)
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), bytes.NewReader(body))
}

// InjectScript adds a script tag loading src before the closing body tag,
// or at the end of the document when there is none.
func InjectScript(html []byte, src string) []byte {
	tag := []byte(`<script src="` + src + `"></script>`)

	idx := bytes.LastIndex(bytes.ToLower(html), []byte("</body>"))
	if idx < 0 {
		return append(html, tag...)
	}

	out := make([]byte, 0, len(html)+len(tag))
	out = append(out, html[:idx]...)
	out = append(out, tag...)
	out = append(out, html[idx:]...)
	return out
}

func isHTML(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".html" || ext == ".htm"
}

func serveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		http.NotFound(w, r)
	case errors.Is(err, fs.ErrPermission):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	default:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
