package secretmanager

import (
	"context"
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

// Mount is the KV v2 mount holding per environment secrets.
const Mount = "secret"

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// Enabled reports whether a vault address is configured for this process.
func Enabled() bool {
	addr, ok := os.LookupEnv("VAULT_ADDR")
	return ok && addr != ""
}

// ProvideVault builds a client from the VAULT_* environment variables.
func ProvideVault() (*vault.Client, error) {
	return vault.New(vault.WithEnvironment())
}

// Secrets reads the KV v2 entry at path and keeps its string values. Other
// value types are skipped.
func Secrets(ctx context.Context, client *vault.Client, path string) (map[string]string, error) {
	resp, err := client.Secrets.KvV2Read(ctx, path, vault.WithMountPath(Mount))
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(resp.Data.Data))
	for k, v := range resp.Data.Data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}
