package catalog

import (
	"os"
	"strings"
)

// Credentials resolves a tool's credentialRef to a secret.
type Credentials interface {
	Lookup(cfg ToolConfig) (string, bool)
}

// DefaultCredentialRef is the environment variable used when a tool does not
// name one.
func DefaultCredentialRef(p ProviderType) string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	case ProviderHuggingFace:
		return "HUGGINGFACE_API_KEY"
	}
	return ""
}

// EnvCredentials reads credentials from the process environment.
type EnvCredentials struct {
	lookup func(string) (string, bool)
}

func NewEnvCredentials() EnvCredentials {
	return EnvCredentials{lookup: os.LookupEnv}
}

func (e EnvCredentials) Lookup(cfg ToolConfig) (string, bool) {
	ref := cfg.CredentialRef
	if ref == "" {
		ref = DefaultCredentialRef(cfg.ProviderType)
	}
	if ref == "" || e.lookup == nil {
		return "", false
	}
	v, ok := e.lookup(ref)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// StaticCredentials maps credential refs to secrets.
type StaticCredentials map[string]string

func (s StaticCredentials) Lookup(cfg ToolConfig) (string, bool) {
	ref := cfg.CredentialRef
	if ref == "" {
		ref = DefaultCredentialRef(cfg.ProviderType)
	}
	v, ok := s[ref]
	return v, ok && v != ""
}
