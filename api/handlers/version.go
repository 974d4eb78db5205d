package handlers

import (
	"encoding/json"
	"net/http"
)

// VersionInfo is the build that is serving requests, set from linker flags.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// GetVersion handles GET /version.
func (s *Server) GetVersion(w http.ResponseWriter, r *http.Request) {
	info := s.cfg.Version
	if info.Version == "" {
		info.Version = "dev"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}
