package cli

import "encoding/json"

type cliOptions struct {
	configPath   string
	workflow     string
	workflowFile string
	tools        []string
	systemPrompt string
	sessionID    string
	runID        string
	hookMode     string
	addr         string
	limit        int
	jsonOutput   bool
	// resolutions and cancels are keyed by hook id.
	resolutions map[string]json.RawMessage
	cancels     []string
}
