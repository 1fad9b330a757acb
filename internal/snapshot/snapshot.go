// Package snapshot compiles a config.RawSnapshot into a fully bound Snapshot:
// secrets resolved, provider adapters constructed, and pipelines compiled
// into runnable plugin chains. Build runs once per reload (C2/C3), never on
// the request hot path — internal/state holds the result behind an
// atomic.Pointer for lock-free reads.
package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/traceloop/gateway-core/internal/config"
	"github.com/traceloop/gateway-core/internal/logger"
	"github.com/traceloop/gateway-core/internal/metrics"
	"github.com/traceloop/gateway-core/internal/pipeline"
	"github.com/traceloop/gateway-core/internal/providers"
	"github.com/traceloop/gateway-core/internal/providers/anthropic"
	"github.com/traceloop/gateway-core/internal/providers/azure"
	"github.com/traceloop/gateway-core/internal/providers/bedrock"
	"github.com/traceloop/gateway-core/internal/providers/openai"
	"github.com/traceloop/gateway-core/internal/providers/vertexai"
	"github.com/traceloop/gateway-core/internal/secret"
	"github.com/traceloop/gateway-core/pkg/apierr"
)

// Snapshot is the fully bound, immutable configuration a dispatcher runs
// against. Every field is read-only after Build returns it.
type Snapshot struct {
	Epoch     int64
	Providers map[string]providers.Adapter
	Models    map[string]pipeline.ModelBinding
	Pipelines map[string]*pipeline.Chain
	Default   map[config.PipelineType]string // pipeline type -> default pipeline name

	Logger *logger.Logger // owned by the snapshot; closed when superseded
}

// Deps carries the long-lived dependencies Build wires into compiled
// pipelines — things that outlive any single snapshot and are shared across
// reloads (a metrics registry in particular must stay the single Prometheus
// registration target for the process lifetime).
type Deps struct {
	Metrics *metrics.Registry
}

// Build resolves every secret, constructs one adapter per configured
// provider, binds models to their provider's adapter, and compiles each
// pipeline's plugin list into a runnable pipeline.Chain.
//
// Build is the only place a bad configuration becomes visible: every error
// it returns is an *apierr.GatewayError with Kind KindConfigInvalid.
func Build(ctx context.Context, raw config.RawSnapshot, deps Deps) (*Snapshot, error) {
	adapters := make(map[string]providers.Adapter, len(raw.Providers))
	providerTypes := make(map[string]string, len(raw.Providers))

	for _, pr := range raw.Providers {
		if pr.Key == "" {
			return nil, configErr("provider record missing key")
		}
		if _, dup := adapters[pr.Key]; dup {
			return nil, configErr(fmt.Sprintf("duplicate provider key %q", pr.Key))
		}

		pr.Variant = config.ProviderVariant(strings.ToLower(string(pr.Variant)))
		a, err := buildAdapter(ctx, pr)
		if err != nil {
			return nil, configErr(fmt.Sprintf("provider %q: %v", pr.Key, err))
		}
		adapters[pr.Key] = a
		providerTypes[pr.Key] = string(pr.Variant)
	}

	models := make(map[string]pipeline.ModelBinding, len(raw.Models))
	for _, mr := range raw.Models {
		if mr.Key == "" {
			return nil, configErr("model record missing key")
		}
		if _, dup := models[mr.Key]; dup {
			return nil, configErr(fmt.Sprintf("duplicate model key %q", mr.Key))
		}
		a, ok := adapters[mr.Provider]
		if !ok {
			return nil, configErr(fmt.Sprintf("model %q references unknown provider %q", mr.Key, mr.Provider))
		}

		models[mr.Key] = pipeline.ModelBinding{
			Key:          mr.Key,
			Type:         string(mr.Type),
			Adapter:      a,
			ProviderKey:  mr.Provider,
			ProviderType: providerTypes[mr.Provider],
			Deployment:   mr.Deployment,
			ModelVersion: mr.ModelVersion,
			Priority:     mr.Priority,
		}
	}

	var log *logger.Logger
	pipelines := make(map[string]*pipeline.Chain, len(raw.Pipelines))
	defaults := make(map[config.PipelineType]string)

	for _, pc := range raw.Pipelines {
		if pc.Name == "" {
			return nil, configErr("pipeline record missing name")
		}
		if _, dup := pipelines[pc.Name]; dup {
			return nil, configErr(fmt.Sprintf("duplicate pipeline name %q", pc.Name))
		}

		chain, builtLogger, err := buildChain(pc, models, log, deps)
		if err != nil {
			return nil, configErr(fmt.Sprintf("pipeline %q: %v", pc.Name, err))
		}
		if builtLogger != nil {
			log = builtLogger
		}
		pipelines[pc.Name] = chain

		if pc.Default {
			if existing, ok := defaults[pc.Type]; ok {
				return nil, configErr(fmt.Sprintf("multiple default pipelines for type %q: %q and %q", pc.Type, existing, pc.Name))
			}
			defaults[pc.Type] = pc.Name
		}
	}

	return &Snapshot{
		Epoch:     raw.Epoch,
		Providers: adapters,
		Models:    models,
		Pipelines: pipelines,
		Default:   defaults,
		Logger:    log,
	}, nil
}

// Close releases resources owned by the snapshot (the logging plugin's
// ClickHouse connection and flush goroutine). Safe to call on a snapshot
// that was never installed.
func (s *Snapshot) Close() error {
	if s == nil || s.Logger == nil {
		return nil
	}
	return s.Logger.Close()
}

// PipelineFor resolves the pipeline a request should run through: an
// explicit name if given and known, else the default for opType.
func (s *Snapshot) PipelineFor(name string, opType config.PipelineType) (*pipeline.Chain, error) {
	if name != "" {
		chain, ok := s.Pipelines[name]
		if !ok {
			return nil, &apierr.GatewayError{Kind: apierr.KindPipelineNotFound, Message: fmt.Sprintf("pipeline %q is not configured", name)}
		}
		return chain, nil
	}
	defName, ok := s.Default[opType]
	if !ok {
		return nil, &apierr.GatewayError{Kind: apierr.KindPipelineNotFound, Message: fmt.Sprintf("no default pipeline configured for operation %q", opType)}
	}
	return s.Pipelines[defName], nil
}

// buildAdapter expects pr.Variant already lower-cased by its caller
// (provider-type tags are case-insensitized before matching, but an
// unrecognized tag is still rejected outright rather than guessed at —
// spec.md Open Questions).
func buildAdapter(ctx context.Context, pr config.ProviderRecord) (providers.Adapter, error) {
	switch pr.Variant {
	case config.VariantOpenAI:
		if pr.OpenAI == nil {
			return nil, fmt.Errorf("variant openai requires openai params")
		}
		key, err := secret.Resolve(pr.OpenAI.APIKey)
		if err != nil {
			return nil, err
		}
		return openai.New(key, pr.OpenAI.BaseURL), nil

	case config.VariantAnthropic:
		if pr.Anthropic == nil {
			return nil, fmt.Errorf("variant anthropic requires anthropic params")
		}
		key, err := secret.Resolve(pr.Anthropic.APIKey)
		if err != nil {
			return nil, err
		}
		return anthropic.New(key, pr.Anthropic.BaseURL), nil

	case config.VariantAzure:
		if pr.Azure == nil {
			return nil, fmt.Errorf("variant azure requires azure params")
		}
		key, err := secret.Resolve(pr.Azure.APIKey)
		if err != nil {
			return nil, err
		}
		return azure.New(pr.Azure.Endpoint, key, pr.Azure.APIVersion), nil

	case config.VariantBedrock:
		if pr.Bedrock == nil {
			return nil, fmt.Errorf("variant bedrock requires bedrock params")
		}
		accessKey, err := secret.Resolve(pr.Bedrock.AccessKey)
		if err != nil {
			return nil, err
		}
		secretKey, err := secret.Resolve(pr.Bedrock.SecretKey)
		if err != nil {
			return nil, err
		}
		sessionToken, err := secret.Resolve(pr.Bedrock.SessionToken)
		if err != nil {
			return nil, err
		}
		return bedrock.New(accessKey, secretKey, sessionToken, pr.Bedrock.Region, pr.Bedrock.EndpointURL), nil

	case config.VariantVertexAI:
		if pr.VertexAI == nil {
			return nil, fmt.Errorf("variant vertexai requires vertexai params")
		}
		hasAPIKey := pr.VertexAI.APIKey.Literal != "" || pr.VertexAI.APIKey.Environment != "" || pr.VertexAI.APIKey.File != nil || pr.VertexAI.APIKey.Kubernetes != nil
		hasSvcAcct := pr.VertexAI.ServiceAccount.Literal != "" || pr.VertexAI.ServiceAccount.Environment != "" || pr.VertexAI.ServiceAccount.File != nil || pr.VertexAI.ServiceAccount.Kubernetes != nil
		switch {
		case hasAPIKey && hasSvcAcct:
			return nil, fmt.Errorf("variant vertexai: exactly one of api_key or service_account must be set")
		case hasAPIKey:
			key, err := secret.Resolve(pr.VertexAI.APIKey)
			if err != nil {
				return nil, err
			}
			return vertexai.NewAPIKey(ctx, key)
		case hasSvcAcct:
			raw, err := secret.Resolve(pr.VertexAI.ServiceAccount)
			if err != nil {
				return nil, err
			}
			return vertexai.NewServiceAccount(ctx, []byte(raw), pr.VertexAI.Project, pr.VertexAI.Location)
		default:
			return nil, fmt.Errorf("variant vertexai requires api_key or service_account")
		}

	default:
		return nil, fmt.Errorf("unknown provider variant %q", pr.Variant)
	}
}

func configErr(msg string) error {
	return &apierr.GatewayError{Kind: apierr.KindConfigInvalid, Message: msg}
}
