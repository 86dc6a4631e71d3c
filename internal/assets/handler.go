package assets

import (
	"bytes"
	"errors"
	"log"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"vncproxy/internal/constants"
)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, constants.MsgMethodNotAllowed, http.StatusMethodNotAllowed)
		return
	}

	data, err := s.Serve(r.URL.Path)
	switch {
	case errors.Is(err, ErrForbidden):
		http.Error(w, constants.MsgForbidden, http.StatusForbidden)
		return
	case errors.Is(err, ErrNotFound):
		http.Error(w, constants.MsgNotFound, http.StatusNotFound)
		return
	case err != nil:
		log.Printf("Asset error %s: %v", r.URL.Path, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	name := path.Base(r.URL.Path)
	if r.URL.Path == "/" || r.URL.Path == "" {
		name = s.index
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}
