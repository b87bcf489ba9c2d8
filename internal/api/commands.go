package api

import "net/http"

// Command describes one slash command for UI auto-complete.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CommandListResponse is the body of GET /commands.
type CommandListResponse struct {
	Commands []Command `json:"commands"`
}

// commands is the static slash-command catalog. Commands are interpreted
// client-side or expanded into ordinary messages; the catalog only feeds
// auto-complete.
var commands = []Command{
	{Name: "/list-commands", Description: "List all available slash commands"},
	{Name: "/list-commits", Description: "List configuration commits made in this chat"},
	{Name: "/revert", Description: "Revert a configuration commit by hash"},
	{Name: "/mode", Description: "Show or switch the chat mode (read-only / read-write)"},
	{Name: "/tasks", Description: "Show the agent's current task list"},
}

func (s *Server) listCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CommandListResponse{Commands: commands})
}
