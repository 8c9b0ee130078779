package protocol

// MCPVersion is the latest protocol revision this runtime speaks.
const MCPVersion = "2025-06-18"

// SupportedVersions lists every revision accepted during negotiation,
// newest first.
var SupportedVersions = []string{
	MCPVersion,
	"2025-03-26",
	"2024-11-05",
}

// NegotiateVersion returns the client's requested version when supported
// and the latest version otherwise.
func NegotiateVersion(requested string) string {
	for _, v := range SupportedVersions {
		if v == requested {
			return v
		}
	}
	return MCPVersion
}

// MCP method names.
const (
	MethodInitialize        = "initialize"
	MethodInitialized       = "notifications/initialized"
	MethodPing              = "ping"
	MethodToolsList         = "tools/list"
	MethodToolsCall         = "tools/call"
	MethodResourcesList     = "resources/list"
	MethodResourcesRead     = "resources/read"
	MethodResourceTemplates = "resources/templates/list"
	MethodPromptsList       = "prompts/list"
	MethodPromptsGet        = "prompts/get"
	MethodLoggingSetLevel   = "logging/setLevel"
)

// MCP notification methods.
const (
	MethodProgress   = "notifications/progress"
	MethodCancelled  = "notifications/cancelled"
	MethodLogMessage = "notifications/message"

	MethodToolsListChanged     = "notifications/tools/list_changed"
	MethodResourcesListChanged = "notifications/resources/list_changed"
)
