package registry

import (
	"fmt"
	"net/http"
	"strings"

	"captn/internal/providers"
	"captn/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	APIVersion  string
	Temperature float64
	HTTPClient  *http.Client
}

func Build(opts BuildOptions) (providers.Agent, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "openai", "openai_compat", "openai-compatible":
		return openai_compat.New(openai_compat.Config{
			Flavor:      openai_compat.FlavorOpenAI,
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Temperature: opts.Temperature,
			HTTPClient:  opts.HTTPClient,
		}), nil

	case "azure", "azure_openai":
		return openai_compat.New(openai_compat.Config{
			Flavor:      openai_compat.FlavorAzure,
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			APIVersion:  opts.APIVersion,
			Temperature: opts.Temperature,
			HTTPClient:  opts.HTTPClient,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported agent kind %q", opts.Kind)
	}
}
