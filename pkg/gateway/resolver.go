package gateway

import (
	"fmt"
	"strings"

	"github.com/zapflow/zapflow/pkg/models"
)

// Endpoint is the resolved base URL and credential for one call.
type Endpoint struct {
	BaseURL string
	Token   string
}

// Resolver resolves the endpoint for an instance. Precedence is
// instance-level override, then tenant-level configuration, then the
// platform default for the provider.
type Resolver struct {
	// Platform defaults keyed by provider.
	Platform map[models.GatewayProvider]Endpoint
	// Tenant overrides keyed by tenant id.
	Tenants map[string]Endpoint
}

func NewResolver() *Resolver {
	return &Resolver{
		Platform: make(map[models.GatewayProvider]Endpoint),
		Tenants:  make(map[string]Endpoint),
	}
}

func (r *Resolver) Resolve(instance *models.Instance) (Endpoint, error) {
	endpoint := Endpoint{
		BaseURL: strings.TrimSuffix(instance.BaseURL, "/"),
		Token:   instance.Token,
	}

	if tenant, ok := r.Tenants[instance.TenantID]; ok {
		if endpoint.BaseURL == "" {
			endpoint.BaseURL = strings.TrimSuffix(tenant.BaseURL, "/")
		}

		if endpoint.Token == "" {
			endpoint.Token = tenant.Token
		}
	}

	if platform, ok := r.Platform[instance.Provider]; ok {
		if endpoint.BaseURL == "" {
			endpoint.BaseURL = strings.TrimSuffix(platform.BaseURL, "/")
		}

		if endpoint.Token == "" {
			endpoint.Token = platform.Token
		}
	}

	if endpoint.BaseURL == "" {
		return Endpoint{}, fmt.Errorf("no gateway base URL configured for instance %s (provider %s)",
			instance.ID, instance.Provider)
	}

	return endpoint, nil
}
