package catalog

import (
	"context"
	"fmt"

	"gwi.com/inspire-gateway/internal/store"
)

// ToolStore is the slice of the persistence layer the catalog reads.
type ToolStore interface {
	GetTool(ctx context.Context, id string) (*store.Tool, error)
}

// StoreResolver resolves tools from the tools table.
type StoreResolver struct {
	store ToolStore
}

func NewStoreResolver(s ToolStore) *StoreResolver {
	return &StoreResolver{store: s}
}

func (r *StoreResolver) ResolveTool(ctx context.Context, toolID string) (ToolConfig, error) {
	t, err := r.store.GetTool(ctx, toolID)
	if err != nil {
		return ToolConfig{}, fmt.Errorf("resolve tool %s: %w", toolID, err)
	}
	if t == nil {
		return ToolConfig{}, notFound(toolID)
	}
	return FromStoreTool(*t), nil
}

// FromStoreTool converts a tools row.
func FromStoreTool(t store.Tool) ToolConfig {
	return ToolConfig{
		ID:              t.ID,
		Name:            t.Name,
		ProviderType:    ParseProviderType(t.APIType),
		ModelName:       t.ModelName,
		CredentialRef:   t.CredentialRef,
		CapabilityFlags: t.Capabilities,
		Category:        t.Category,
	}
}

// StoreTool converts a tool config into a tools row.
func (t ToolConfig) StoreTool() store.Tool {
	return store.Tool{
		ID:            t.ID,
		Name:          t.Name,
		APIType:       string(t.ProviderType),
		ModelName:     t.ModelName,
		CredentialRef: t.CredentialRef,
		Capabilities:  t.CapabilityFlags,
		Category:      t.Category,
	}
}
