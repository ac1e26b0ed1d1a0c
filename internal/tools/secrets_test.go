package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venzel/stepflow/pkg/schema"
)

// fakeVault is an in-memory SecretVault for tests.
type fakeVault struct {
	values map[string]string
	err    error
}

func newFakeVault() *fakeVault {
	return &fakeVault{values: make(map[string]string)}
}

func (v *fakeVault) Get(_ context.Context, name string) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	val, ok := v.values[name]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", name)
	}
	return val, nil
}

func (v *fakeVault) Set(_ context.Context, name, value string) error {
	if v.err != nil {
		return v.err
	}
	v.values[name] = value
	return nil
}

func execSecrets(t *testing.T, vault SecretVault, name string, params map[string]any) (map[string]any, error) {
	t.Helper()
	var tool Tool
	for _, st := range SecretsTools(vault) {
		if st.Name() == name {
			tool = st
		}
	}
	require.NotNil(t, tool, "tool %s not found", name)
	out, err := tool.Execute(context.Background(), ToolInput{Params: params})
	if err != nil {
		return nil, err
	}
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	return result, nil
}

func TestSecretsGet_Success(t *testing.T) {
	vault := newFakeVault()
	vault.values["api_token"] = "tok-123"

	result, err := execSecrets(t, vault, "secrets.get", map[string]any{"name": "api_token"})
	require.NoError(t, err)
	assert.Equal(t, "api_token", result["name"])
	assert.Equal(t, "tok-123", result["value"])
}

func TestSecretsGet_NotFound(t *testing.T) {
	vault := newFakeVault()

	_, err := execSecrets(t, vault, "secrets.get", map[string]any{"name": "ghost"})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestSecretsGet_VaultError(t *testing.T) {
	vault := newFakeVault()
	vault.err = schema.NewError(schema.ErrCodeVault, "cipher failure")

	_, err := execSecrets(t, vault, "secrets.get", map[string]any{"name": "api_token"})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeVault, flowErr.Code)
}

func TestSecretsGet_Validate_MissingName(t *testing.T) {
	tools := SecretsTools(newFakeVault())
	require.NotEmpty(t, tools)

	err := tools[0].Validate(map[string]any{})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}

func TestSecretsSet_Success(t *testing.T) {
	vault := newFakeVault()

	result, err := execSecrets(t, vault, "secrets.set", map[string]any{
		"name":  "db_password",
		"value": "hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, "db_password", result["name"])
	assert.Equal(t, true, result["stored"])
	assert.Equal(t, "hunter2", vault.values["db_password"])
}

func TestSecretsSet_Validate_MissingValue(t *testing.T) {
	var setTool Tool
	for _, st := range SecretsTools(newFakeVault()) {
		if st.Name() == "secrets.set" {
			setTool = st
		}
	}
	require.NotNil(t, setTool)

	err := setTool.Validate(map[string]any{"name": "x"})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}

func TestSecretsSet_VaultError(t *testing.T) {
	vault := newFakeVault()
	vault.err = schema.NewError(schema.ErrCodeVault, "cipher failure")

	_, err := execSecrets(t, vault, "secrets.set", map[string]any{
		"name":  "x",
		"value": "y",
	})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeVault, flowErr.Code)
}

func TestRegisterSecretsTools(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterSecretsTools(reg, newFakeVault()))
	assert.True(t, reg.Has("secrets.get"))
	assert.True(t, reg.Has("secrets.set"))
	assert.Equal(t, 2, reg.Count())
}

func TestRegisterSecretsTools_NilVault(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterSecretsTools(reg, nil))
	assert.Equal(t, 0, reg.Count())
}
