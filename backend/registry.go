package backend

import (
	"strings"

	"go.uber.org/zap"

	"github.com/docpress/docpress/config"
	"github.com/docpress/docpress/errors"
	"github.com/docpress/docpress/internal/httpclient"
	"github.com/docpress/docpress/job"
	"github.com/docpress/docpress/processor"
)

// Registry holds the enabled backend variants keyed by backend type.
// Dispatch always goes through the job's stored backend type.
type Registry struct {
	backends map[job.BackendType]Backend
}

// NewRegistry builds the enabled variants from configuration. Construction
// errors are startup-fatal by design: a misconfigured backend must abort
// process initialization, not fail per job.
func NewRegistry(cfg *config.Config, proc processor.Processor, logger *zap.SugaredLogger) (*Registry, error) {
	backends := make(map[job.BackendType]Backend)
	client := httpclient.New(cfg.Backends.SubmitTimeout)

	if cfg.Backends.Local.Enabled {
		if proc == nil {
			return nil, errors.New("local backend enabled without a processor")
		}
		backends[job.BackendLocal] = NewLocal(proc, logger)
	}

	if cfg.Backends.CloudBatch.Enabled {
		webhookURL := ""
		if cfg.Webhook.BaseURL != "" {
			webhookURL = strings.TrimRight(cfg.Webhook.BaseURL, "/") + "/internal/webhooks/completion"
		}
		backends[job.BackendCloudBatch] = NewCloudBatch(
			client,
			cfg.Backends.CloudBatch.BaseURL,
			cfg.Backends.CloudBatch.APIKey,
			cfg.Backends.CloudBatch.AppName,
			webhookURL,
			cfg.Webhook.Secret,
			logger,
		)
	}

	if cfg.Backends.Droplet.Enabled {
		backends[job.BackendDroplet] = NewDroplet(client, cfg.Backends.Droplet.BaseURL, cfg.Backends.Droplet.APIKey, logger)
	}

	if cfg.Backends.Platform.Enabled {
		backends[job.BackendPlatform] = NewPlatform(client, cfg.Backends.Platform.BaseURL, cfg.Backends.Platform.APIKey, logger)
	}

	if len(backends) == 0 {
		return nil, errors.New("no execution backend enabled")
	}

	return &Registry{backends: backends}, nil
}

// NewRegistryFromMap builds a registry from explicit variants. Tests use
// this to install fakes.
func NewRegistryFromMap(backends map[job.BackendType]Backend) *Registry {
	return &Registry{backends: backends}
}

// Get returns the variant for a stored backend type.
func (r *Registry) Get(t job.BackendType) (Backend, error) {
	b, ok := r.backends[t]
	if !ok {
		return nil, errors.Newf("backend type %q is not enabled", t)
	}
	return b, nil
}

// PollableTypes lists the enabled variants that report completion through
// status polling rather than webhooks.
func (r *Registry) PollableTypes() []job.BackendType {
	var types []job.BackendType
	for t, b := range r.backends {
		if _, ok := b.(StatusPoller); ok {
			types = append(types, t)
		}
	}
	return types
}
