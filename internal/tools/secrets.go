package tools

import (
	"context"

	"github.com/venzel/stepflow/pkg/schema"
)

// SecretVault stores named secret values. The encrypted implementation lives in
// internal/secrets; tools only need the read/write surface.
type SecretVault interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
}

// SecretsTools returns the vault-backed tools. They are only registered when a
// vault is configured.
func SecretsTools(vault SecretVault) []Tool {
	return []Tool{
		&secretsGetTool{vault: vault},
		&secretsSetTool{vault: vault},
	}
}

// RegisterSecretsTools registers secrets.get and secrets.set against the given
// vault. A nil vault registers nothing.
func RegisterSecretsTools(reg *Registry, vault SecretVault) error {
	if vault == nil {
		return nil
	}
	for _, tool := range SecretsTools(vault) {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// --- secrets.get ---

type secretsGetTool struct {
	vault SecretVault
}

func (a *secretsGetTool) Name() string { return "secrets.get" }

func (a *secretsGetTool) Schema() ToolSchema {
	return ToolSchema{Description: "Read a named secret from the configured vault"}
}

func (a *secretsGetTool) Validate(params map[string]any) error {
	name, ok := params["name"].(string)
	if !ok || name == "" {
		return schema.NewError(schema.ErrCodeValidation, "secrets.get requires non-empty 'name' string parameter")
	}
	return nil
}

func (a *secretsGetTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	name, _ := input.Params["name"].(string)

	value, err := a.vault.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	return marshalOutput(map[string]any{
		"name":  name,
		"value": value,
	})
}

// --- secrets.set ---

type secretsSetTool struct {
	vault SecretVault
}

func (a *secretsSetTool) Name() string { return "secrets.set" }

func (a *secretsSetTool) Schema() ToolSchema {
	return ToolSchema{Description: "Store a named secret in the configured vault"}
}

func (a *secretsSetTool) Validate(params map[string]any) error {
	name, ok := params["name"].(string)
	if !ok || name == "" {
		return schema.NewError(schema.ErrCodeValidation, "secrets.set requires non-empty 'name' string parameter")
	}
	if _, ok := params["value"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "secrets.set requires 'value' string parameter")
	}
	return nil
}

func (a *secretsSetTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	name, _ := input.Params["name"].(string)
	value, _ := input.Params["value"].(string)

	if err := a.vault.Set(ctx, name, value); err != nil {
		return nil, err
	}

	return marshalOutput(map[string]any{
		"name":   name,
		"stored": true,
	})
}
