// Package config defines the raw configuration shape read from YAML or the
// management database, and the process of turning it into a bound Snapshot.
package config

import "time"

// ProviderVariant is the closed set of upstream provider kinds this gateway
// knows how to dispatch to.
type ProviderVariant string

const (
	VariantOpenAI    ProviderVariant = "openai"
	VariantAnthropic ProviderVariant = "anthropic"
	VariantAzure     ProviderVariant = "azure"
	VariantBedrock   ProviderVariant = "bedrock"
	VariantVertexAI  ProviderVariant = "vertexai"
)

// SecretRef is a tagged union over the ways a credential can be supplied.
// Exactly one field is set. Resolution (C3) happens once, synchronously,
// while building a Snapshot — never on the request hot path.
type SecretRef struct {
	Literal     string         `mapstructure:"literal" yaml:"literal"`
	Environment string         `mapstructure:"environment" yaml:"environment"`
	File        *FileSecretRef `mapstructure:"file" yaml:"file"`
	Kubernetes  *K8sSecretRef  `mapstructure:"kubernetes" yaml:"kubernetes"`
}

// FileSecretRef reads a secret value from a file on disk.
type FileSecretRef struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// K8sSecretRef reads a secret value from a projected Kubernetes secret
// volume mount — the same mechanism as FileSecretRef, named separately so
// operators can express intent in config ("this came from a k8s Secret").
type K8sSecretRef struct {
	MountPath string `mapstructure:"mount_path" yaml:"mount_path"`
	Key       string `mapstructure:"key" yaml:"key"`
}

// OpenAIParams configures an OpenAI-variant provider.
type OpenAIParams struct {
	APIKey  SecretRef `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string    `mapstructure:"base_url" yaml:"base_url"`
}

// AnthropicParams configures an Anthropic-variant provider.
type AnthropicParams struct {
	APIKey  SecretRef `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string    `mapstructure:"base_url" yaml:"base_url"`
}

// AzureParams configures an Azure OpenAI-variant provider.
type AzureParams struct {
	Endpoint   string    `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey     SecretRef `mapstructure:"api_key" yaml:"api_key"`
	APIVersion string    `mapstructure:"api_version" yaml:"api_version"`
}

// BedrockParams configures an AWS Bedrock-variant provider.
type BedrockParams struct {
	AccessKey    SecretRef `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    SecretRef `mapstructure:"secret_key" yaml:"secret_key"`
	SessionToken SecretRef `mapstructure:"session_token" yaml:"session_token"`
	Region       string    `mapstructure:"region" yaml:"region"`
	EndpointURL  string    `mapstructure:"endpoint_url" yaml:"endpoint_url"`
}

// VertexAIParams configures a VertexAI-variant provider. Exactly one of
// APIKey (routes to the Gemini Developer API) or ServiceAccount (routes to
// Vertex AI proper via a JWT bearer assertion) is set.
type VertexAIParams struct {
	APIKey         SecretRef `mapstructure:"api_key" yaml:"api_key"`
	ServiceAccount SecretRef `mapstructure:"service_account" yaml:"service_account"`
	Project        string    `mapstructure:"project" yaml:"project"`
	Location       string    `mapstructure:"location" yaml:"location"`
}

// ProviderRecord is one configured upstream credential set.
type ProviderRecord struct {
	Key       string          `mapstructure:"key" yaml:"key"`
	Variant   ProviderVariant `mapstructure:"variant" yaml:"variant"`
	OpenAI    *OpenAIParams   `mapstructure:"openai" yaml:"openai"`
	Anthropic *AnthropicParams `mapstructure:"anthropic" yaml:"anthropic"`
	Azure     *AzureParams    `mapstructure:"azure" yaml:"azure"`
	Bedrock   *BedrockParams  `mapstructure:"bedrock" yaml:"bedrock"`
	VertexAI  *VertexAIParams `mapstructure:"vertexai" yaml:"vertexai"`
}

// ModelType distinguishes chat/completion models from embedding models.
type ModelType string

const (
	ModelTypeChat       ModelType = "chat"
	ModelTypeCompletion ModelType = "completion"
	ModelTypeEmbedding  ModelType = "embedding"
)

// ModelRecord binds a model key used by clients to a provider and the
// upstream-specific identifiers needed to call it.
type ModelRecord struct {
	Key           string    `mapstructure:"key" yaml:"key"`
	Type          ModelType `mapstructure:"type" yaml:"type"`
	Provider      string    `mapstructure:"provider" yaml:"provider"`
	Deployment    string    `mapstructure:"deployment" yaml:"deployment"`       // Azure
	ModelProvider string    `mapstructure:"model_provider" yaml:"model_provider"` // Bedrock family, e.g. "anthropic"
	ModelVersion  string    `mapstructure:"model_version" yaml:"model_version"`   // upstream model id/version string
	Priority      int       `mapstructure:"priority" yaml:"priority"`             // used by the model_router plugin, lower sorts first
}

// PluginKind is the closed set of pipeline plugin kinds.
type PluginKind string

const (
	PluginLogging     PluginKind = "logging"
	PluginTracing     PluginKind = "tracing"
	PluginModelRouter PluginKind = "model_router"
)

// LoggingPluginConfig configures the logging plugin.
type LoggingPluginConfig struct {
	Level            string `mapstructure:"level" yaml:"level"`
	ClickhouseDSN    string `mapstructure:"clickhouse_dsn" yaml:"clickhouse_dsn"`
	ClickhouseTable  string `mapstructure:"clickhouse_table" yaml:"clickhouse_table"`
}

// TracingPluginConfig configures the tracing plugin.
type TracingPluginConfig struct {
	Endpoint             string `mapstructure:"endpoint" yaml:"endpoint"`
	TraceContentEnabled  bool   `mapstructure:"trace_content_enabled" yaml:"trace_content_enabled"`
}

// ModelRouterPluginConfig configures the ordered-fallback model router.
type ModelRouterPluginConfig struct {
	Models []string `mapstructure:"models" yaml:"models"` // model keys, in config order; sorted by ModelRecord.Priority at build time
}

// PluginConfig is a tagged union over the three plugin kinds.
type PluginConfig struct {
	Kind        PluginKind               `mapstructure:"kind" yaml:"kind"`
	Logging     *LoggingPluginConfig     `mapstructure:"logging" yaml:"logging"`
	Tracing     *TracingPluginConfig     `mapstructure:"tracing" yaml:"tracing"`
	ModelRouter *ModelRouterPluginConfig `mapstructure:"model_router" yaml:"model_router"`
}

// PipelineType distinguishes the operation a pipeline serves.
type PipelineType string

const (
	PipelineTypeChat       PipelineType = "chat"
	PipelineTypeCompletion PipelineType = "completion"
	PipelineTypeEmbedding  PipelineType = "embedding"
)

// PipelineRecord is an ordered plugin chain for one operation type.
type PipelineRecord struct {
	Name    string         `mapstructure:"name" yaml:"name"`
	Type    PipelineType   `mapstructure:"type" yaml:"type"`
	Default bool           `mapstructure:"default" yaml:"default"`
	Plugins []PluginConfig `mapstructure:"plugins" yaml:"plugins"`
}

// RawSnapshot is the unvalidated configuration as read from a YAML file or
// the management database, before secret resolution and compilation.
type RawSnapshot struct {
	Providers []ProviderRecord `mapstructure:"providers" yaml:"providers"`
	Models    []ModelRecord    `mapstructure:"models" yaml:"models"`
	Pipelines []PipelineRecord `mapstructure:"pipelines" yaml:"pipelines"`
	Epoch     int64            `mapstructure:"-" yaml:"-"`
}

// DefaultReloadInterval is how often the Reloader polls its RowSource (the
// YAML file or the database) for a new RawSnapshot when RELOAD_INTERVAL is
// not set.
const DefaultReloadInterval = 15 * time.Second
