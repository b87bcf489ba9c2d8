package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/docbridge-ai/agent/internal/store"
)

// FileInfo describes one output file of a chat.
type FileInfo struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
}

// FileListResponse is the body of GET /chats/{id}/files.
type FileListResponse struct {
	Files []FileInfo `json:"files"`
	Total int        `json:"total"`
}

// chatOutputDir is the stable per-chat output directory. Files written by
// one run remain downloadable in later runs.
func (s *Server) chatOutputDir(chatID string) string {
	return filepath.Join(s.cfg.OutputDir, chatID)
}

// outputFiles lists the chat's output files, newest first.
func (s *Server) outputFiles(chatID string) []FileInfo {
	dir := s.chatOutputDir(chatID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []FileInfo{}
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Filename:  entry.Name(),
			Size:      info.Size(),
			Timestamp: info.ModTime().UTC(),
			URL:       "/api/v1/chats/" + chatID + "/files/" + entry.Name(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Timestamp.After(files[j].Timestamp) })
	return files
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, err := s.store.Chat(r.Context(), chatID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "chat "+chatID+" not found")
		return
	}

	files := s.outputFiles(chatID)
	writeJSON(w, http.StatusOK, FileListResponse{Files: files, Total: len(files)})
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	name := r.PathValue("name")

	// Path-traversal check: the resolved path must stay inside the
	// chat's directory.
	if name != filepath.Base(name) || name == "." || name == ".." {
		writeError(w, http.StatusBadRequest, "invalid_filename", "invalid file name")
		return
	}
	dir := s.chatOutputDir(chatID)
	path := filepath.Join(dir, name)
	if rel, err := filepath.Rel(dir, path); err != nil || rel != name {
		writeError(w, http.StatusBadRequest, "invalid_filename", "invalid file name")
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}
