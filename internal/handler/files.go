package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// ServeFile раздаёт локальный файл по ссылке, подписанной HMACSigner.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimLeft(chi.URLParam(r, "*"), "/")
	q := r.URL.Query()

	if key == "" || strings.Contains(key, "..") ||
		!h.opts.Files.Valid(key, q.Get("expires"), q.Get("signature")) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + key
	r2.URL.RawPath = ""
	w.Header().Set("Cache-Control", "private, no-store")
	http.FileServer(http.Dir(h.opts.FilesDir)).ServeHTTP(w, r2)
}
