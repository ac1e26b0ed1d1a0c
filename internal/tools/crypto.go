package tools

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/venzel/stepflow/pkg/schema"
)

// CryptoTools returns the crypto tools.
func CryptoTools() []Tool {
	return []Tool{
		&cryptoHashTool{},
		&cryptoHMACTool{},
		&cryptoUUIDTool{},
	}
}

// hashFunc returns a hash constructor for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// --- crypto.hash ---

type cryptoHashTool struct{}

func (a *cryptoHashTool) Name() string { return "crypto.hash" }

func (a *cryptoHashTool) Schema() ToolSchema {
	return ToolSchema{Description: "Compute a cryptographic hash of the input data"}
}

func (a *cryptoHashTool) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data' string parameter")
	}
	return nil
}

func (a *cryptoHashTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	data, _ := input.Params["data"].(string)
	algorithm := stringParam(input.Params, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	h := newHash()
	h.Write([]byte(data))

	return marshalOutput(map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	})
}

// --- crypto.hmac ---

type cryptoHMACTool struct{}

func (a *cryptoHMACTool) Name() string { return "crypto.hmac" }

func (a *cryptoHMACTool) Schema() ToolSchema {
	return ToolSchema{Description: "Compute an HMAC of the input data using the given key"}
}

func (a *cryptoHMACTool) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'data' string parameter")
	}
	if _, ok := params["key"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'key' string parameter")
	}
	return nil
}

func (a *cryptoHMACTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	data, _ := input.Params["data"].(string)
	key, _ := input.Params["key"].(string)
	algorithm := stringParam(input.Params, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))

	return marshalOutput(map[string]any{
		"hmac":      hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithm,
	})
}

// --- crypto.uuid ---

type cryptoUUIDTool struct{}

func (a *cryptoUUIDTool) Name() string { return "crypto.uuid" }

func (a *cryptoUUIDTool) Schema() ToolSchema {
	return ToolSchema{Description: "Generate a v4 UUID"}
}

func (a *cryptoUUIDTool) Validate(_ map[string]any) error { return nil }

func (a *cryptoUUIDTool) Execute(_ context.Context, _ ToolInput) (*ToolOutput, error) {
	return marshalOutput(map[string]any{"uuid": uuid.New().String()})
}
