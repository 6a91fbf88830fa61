package azureopenai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

func TestNewValidates(t *testing.T) {
	_, err := New("")
	assert.ErrorContains(t, err, "AZURE_OPENAI_API_KEY")
	_, err = New("k", WithDeployment("d"))
	assert.ErrorContains(t, err, "AZURE_OPENAI_ENDPOINT")
	_, err = New("k", WithEndpoint("https://x.openai.azure.com"))
	assert.ErrorContains(t, err, "AZURE_OPENAI_DEPLOYMENT")
}

func TestStreamUsesDeploymentURLAndKeyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/gpt-4o-prod/chat/completions", r.URL.Path)
		assert.Equal(t, "2025-01-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "azure-key", r.Header.Get("api-key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hello\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, err := New("azure-key",
		WithEndpoint(srv.URL+"/"),
		WithDeployment("gpt-4o-prod"),
		WithAPIVersion("2025-01-01"),
	)
	require.NoError(t, err)
	assert.Equal(t, "azureopenai/gpt-4o-prod", client.Name())

	msg, err := llm.Collect(client.Stream(context.Background(), types.MakeMessages("", "hi"), nil), "main")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text())
}
