package catalog

import (
	"context"
	"strings"

	"gwi.com/inspire-gateway/internal/stream"
)

// ProviderType names the upstream family a tool is served by.
type ProviderType string

const (
	ProviderOpenAI      ProviderType = "openai"
	ProviderGemini      ProviderType = "gemini"
	ProviderHuggingFace ProviderType = "huggingface"
	ProviderNone        ProviderType = "none"
)

// ParseProviderType maps catalog API type labels onto the providers the
// gateway can talk to. Anything unknown (ANTHROPIC, CUSTOM, NONE, "") is none
// and gets simulated responses.
func ParseProviderType(s string) ProviderType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPENAI":
		return ProviderOpenAI
	case "GEMINI", "GOOGLE":
		return ProviderGemini
	case "HUGGINGFACE", "HUGGING_FACE":
		return ProviderHuggingFace
	}
	return ProviderNone
}

// ToolConfig is the provider configuration of one catalog tool. It is
// resolved once per session and not changed afterwards.
type ToolConfig struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	ProviderType    ProviderType `json:"provider_type"`
	ModelName       string       `json:"model_name"`
	CredentialRef   string       `json:"credential_ref,omitempty"`
	CapabilityFlags []string     `json:"capability_flags,omitempty"`
	Category        string       `json:"category,omitempty"`
}

// Allows reports whether the tool opts into capability. A tool without flags
// allows everything its provider supports.
func (t ToolConfig) Allows(capability string) bool {
	if len(t.CapabilityFlags) == 0 {
		return true
	}
	for _, f := range t.CapabilityFlags {
		if strings.EqualFold(strings.TrimSpace(f), capability) {
			return true
		}
	}
	return false
}

// DisplayName is the name used in personas and default titles.
func (t ToolConfig) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Resolver looks up tools. Unknown tools fail with stream.ErrToolNotFound.
type Resolver interface {
	ResolveTool(ctx context.Context, toolID string) (ToolConfig, error)
}

func notFound(toolID string) error {
	return stream.Errorf(stream.KindToolNotFound, "tool %q does not exist", toolID)
}
