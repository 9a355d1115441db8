package chat

const (
	AgentName = "Research Assistant"

	// DefaultFileSearchResults is the number of chunks the file search tool returns per query.
	DefaultFileSearchResults = 3
)

// AgentInstructions is the fixed system instruction for every turn.
const AgentInstructions = `You are a research assistant who searches the web and responds to questions based on the documents provided to you.

Always cite your sources when responding to questions. Maintain the conversation context and refer to previous exchanges when appropriate.
If you don't have enough information to answer a question, say so and suggest what additional information might help.

Format your responses in a clear, readable manner using markdown formatting when appropriate.`

// AgentConfig is the per-turn description of the agent handed to the runtime.
type AgentConfig struct {
	Name         string           `json:"name"`
	Instructions string           `json:"instructions"`
	Tools        []ToolDescriptor `json:"tools"`
}

// HasTool reports whether a tool of the given kind is attached.
func (c AgentConfig) HasTool(kind ToolKind) bool {
	for _, t := range c.Tools {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// Builder maps a ToolSelection to an AgentConfig. The vector store ids are
// process configuration, never user input.
type Builder struct {
	VectorStoreIDs []string
	MaxResults     int
}

func NewBuilder(maxResults int, vectorStoreIDs ...string) Builder {
	if maxResults <= 0 {
		maxResults = DefaultFileSearchResults
	}
	return Builder{VectorStoreIDs: vectorStoreIDs, MaxResults: maxResults}
}

// Build returns a fresh config with web search first, then file search.
// A selection with no tools yields a config with no tools.
func (b Builder) Build(sel ToolSelection) AgentConfig {
	tools := []ToolDescriptor{}
	if sel.WebSearchEnabled {
		tools = append(tools, WebSearchTool())
	}
	if sel.FileSearchEnabled {
		tools = append(tools, FileSearchTool(b.MaxResults, b.VectorStoreIDs...))
	}

	return AgentConfig{
		Name:         AgentName,
		Instructions: AgentInstructions,
		Tools:        tools,
	}
}
