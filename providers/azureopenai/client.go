// Package azureopenai configures the OpenAI streaming client for Azure
// OpenAI deployments.
package azureopenai

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PipeOpsHQ/agent-runtime-go/providers/openai"
)

const defaultAPIVersion = "2024-10-21"

type config struct {
	endpoint        string
	deployment      string
	model           string
	apiVersion      string
	maxOutputTokens int
	httpClient      *http.Client
}

type Option func(*config)

func WithEndpoint(endpoint string) Option {
	return func(c *config) { c.endpoint = strings.TrimRight(endpoint, "/") }
}

func WithDeployment(deployment string) Option {
	return func(c *config) { c.deployment = deployment }
}

func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

func WithAPIVersion(apiVersion string) Option {
	return func(c *config) {
		if apiVersion != "" {
			c.apiVersion = apiVersion
		}
	}
}

func WithMaxOutputTokens(n int) Option {
	return func(c *config) { c.maxOutputTokens = n }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *config) { c.httpClient = h }
}

// New returns a streaming client for one deployment. The model defaults to
// the deployment name.
func New(apiKey string, opts ...Option) (*openai.Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_API_KEY is required")
	}
	c := &config{apiVersion: defaultAPIVersion}
	for _, opt := range opts {
		opt(c)
	}
	if strings.TrimSpace(c.endpoint) == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_ENDPOINT is required")
	}
	if strings.TrimSpace(c.deployment) == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_DEPLOYMENT is required")
	}
	if strings.TrimSpace(c.model) == "" {
		c.model = c.deployment
	}
	return openai.New(strings.TrimSpace(apiKey),
		openai.WithName("azureopenai"),
		openai.WithModel(c.model),
		openai.WithEndpoint(c.endpointForDeployment()),
		openai.WithAPIKeyHeader("api-key"),
		openai.WithMaxOutputTokens(c.maxOutputTokens),
		openai.WithHTTPClient(c.httpClient),
	)
}

func (c *config) endpointForDeployment() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, url.PathEscape(c.deployment), url.QueryEscape(c.apiVersion))
}
