package agent

import (
	"fmt"
	"net/url"
	"strings"
)

// basePrompt is the core system prompt. The platform-specific sections are
// composed around it per run.
const basePrompt = `You are the DocBridge configuration assistant. You help users inspect and
change their document-processing setup: queues, schemas, hooks, rules,
workspaces, engines, and email templates.

Work in small verifiable steps. Prefer reading current state before
proposing changes. When a request spans multiple entities, track your plan
with the task tools so the user can follow along.

Tool usage:
- The base tool set is small on purpose. Use list_tool_categories to see
  what exists and load_tool_category to pull in what the request needs.
- When several independent reads are needed, request them together in one
  turn; they run in parallel.
- Every configuration write is recorded as a commit. Use
  show_change_history and revert_commit when the user asks to undo.`

// readOnlySection is appended in read-only mode.
const readOnlySection = `
Mode: READ-ONLY. You cannot modify platform configuration in this chat.
Write tools are not available. If the user asks for a change, explain what
you would do and tell them to switch the chat to read-write mode.`

// readWriteSection is appended in read-write mode.
const readWriteSection = `
Mode: READ-WRITE. Configuration writes are permitted and tracked. Describe
each change after making it, including the entities touched.`

// cautiousSection is appended for the cautious persona.
const cautiousSection = `
Persona: cautious. Before any write, restate what will change and why, and
ask a clarifying question when the request is ambiguous. Never chain
multiple writes without confirming intermediate results.`

// PromptParams composes the per-run system prompt.
type PromptParams struct {
	Mode        string // "read-only" | "read-write"
	Persona     string // "default" | "cautious"
	PlatformURL string // optional platform app URL pasted by the user
	Preloaded   string // note about keyword-preloaded categories
	PlanContext string // active task-plan artifacts carried across turns
}

// SystemPrompt builds the system prompt from persona, mode, URL context,
// and carried artifacts.
func SystemPrompt(p PromptParams) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if p.Mode == "read-write" {
		b.WriteString("\n")
		b.WriteString(readWriteSection)
	} else {
		b.WriteString("\n")
		b.WriteString(readOnlySection)
	}

	if p.Persona == "cautious" {
		b.WriteString("\n")
		b.WriteString(cautiousSection)
	}

	if ctx := urlContext(p.PlatformURL); ctx != "" {
		b.WriteString("\n\n---\n")
		b.WriteString(ctx)
	}

	if p.Preloaded != "" {
		b.WriteString("\n\n")
		b.WriteString("Already loaded for this request: " + p.Preloaded)
	}

	if p.PlanContext != "" {
		b.WriteString("\n\n## Active plan\n")
		b.WriteString(p.PlanContext)
	}

	return b.String()
}

// urlContext extracts entity hints from a platform app URL, e.g.
// https://acme.docbridge.app/queues/123/schema — so the model starts from
// the entity the user is looking at.
func urlContext(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	var hints []string
	for i := 0; i+1 < len(parts); i += 2 {
		entity := strings.TrimSuffix(parts[i], "s")
		id := parts[i+1]
		if entity == "" || id == "" {
			continue
		}
		hints = append(hints, fmt.Sprintf("%s %s", entity, id))
	}

	if len(hints) == 0 {
		return fmt.Sprintf("The user is working in the platform at %s.", u.Host)
	}
	return fmt.Sprintf("The user is currently looking at: %s (from %s).",
		strings.Join(hints, ", "), u.Host)
}
