package secretmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	vault "github.com/hashicorp/vault-client-go"
	"github.com/stretchr/testify/require"
)

func TestSecretsKeepsStringValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/secret/data/production", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"data":{"postgres_password":"pw","offline_token_seed":"c2VlZA==","rotations":3},"metadata":{"version":2}}}`))
	}))
	defer srv.Close()

	client, err := vault.New(vault.WithAddress(srv.URL))
	require.NoError(t, err)

	secrets, err := Secrets(context.Background(), client, "production")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"postgres_password":  "pw",
		"offline_token_seed": "c2VlZA==",
	}, secrets)
}
