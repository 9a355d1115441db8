package chat

import "sync"

// ToolSelection records which search sources are active for a session.
type ToolSelection struct {
	WebSearchEnabled  bool `json:"web_search"`
	FileSearchEnabled bool `json:"file_search"`
}

// DefaultToolSelection enables both sources.
func DefaultToolSelection() ToolSelection {
	return ToolSelection{WebSearchEnabled: true, FileSearchEnabled: true}
}

// Validate rejects a selection with no active source.
func (s ToolSelection) Validate() error {
	if !s.WebSearchEnabled && !s.FileSearchEnabled {
		return ErrNoToolsSelected
	}
	return nil
}

// ToolState holds a session's mutable ToolSelection.
type ToolState struct {
	mu  sync.RWMutex
	sel ToolSelection
}

func NewToolState(sel ToolSelection) *ToolState {
	return &ToolState{sel: sel}
}

func (t *ToolState) SetWebSearch(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sel.WebSearchEnabled = enabled
}

func (t *ToolState) SetFileSearch(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sel.FileSearchEnabled = enabled
}

func (t *ToolState) Get() ToolSelection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sel
}

type ToolKind string

const (
	ToolWebSearch  ToolKind = "web_search"
	ToolFileSearch ToolKind = "file_search"
)

// FileSearchParams configures retrieval against the private document index.
type FileSearchParams struct {
	MaxResults     int      `json:"max_results"`
	VectorStoreIDs []string `json:"vector_store_ids"`
}

// ToolDescriptor is a declarative capability attached to an agent for one turn.
// FileSearch is set only when Kind is ToolFileSearch.
type ToolDescriptor struct {
	Kind       ToolKind          `json:"kind"`
	FileSearch *FileSearchParams `json:"file_search,omitempty"`
}

func WebSearchTool() ToolDescriptor {
	return ToolDescriptor{Kind: ToolWebSearch}
}

func FileSearchTool(maxResults int, vectorStoreIDs ...string) ToolDescriptor {
	ids := make([]string, len(vectorStoreIDs))
	copy(ids, vectorStoreIDs)
	return ToolDescriptor{
		Kind: ToolFileSearch,
		FileSearch: &FileSearchParams{
			MaxResults:     maxResults,
			VectorStoreIDs: ids,
		},
	}
}
