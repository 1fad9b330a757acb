package snapshot

import (
	"context"
	"fmt"

	"github.com/traceloop/gateway-core/internal/config"
	"github.com/traceloop/gateway-core/internal/logger"
	"github.com/traceloop/gateway-core/internal/pipeline"
)

// buildChain compiles one config.PipelineRecord's ordered plugin list into a
// pipeline.Chain. sharedLogger is the logger built by an earlier pipeline in
// this same Build call, if any — every pipeline with a logging plugin shares
// one Logger instance (and its one ClickHouse connection) rather than
// opening a connection per pipeline. buildChain returns a freshly
// constructed logger only the first time a logging plugin is compiled.
func buildChain(pc config.PipelineRecord, models map[string]pipeline.ModelBinding, sharedLogger *logger.Logger, deps Deps) (*pipeline.Chain, *logger.Logger, error) {
	if len(pc.Plugins) == 0 {
		return nil, nil, fmt.Errorf("pipeline has no plugins")
	}

	last := pc.Plugins[len(pc.Plugins)-1]
	if last.Kind != config.PluginModelRouter {
		return nil, nil, fmt.Errorf("last plugin must be %q, got %q", config.PluginModelRouter, last.Kind)
	}

	var (
		plugins   []pipeline.Plugin
		newLogger *logger.Logger
	)

	for _, p := range pc.Plugins {
		switch p.Kind {
		case config.PluginLogging:
			if p.Logging == nil {
				return nil, nil, fmt.Errorf("logging plugin missing config")
			}
			l := sharedLogger
			if l == nil {
				built, err := logger.New(context.Background(), nil, logger.ClickHouseConfig{
					DSN:   p.Logging.ClickhouseDSN,
					Table: p.Logging.ClickhouseTable,
				})
				if err != nil {
					return nil, nil, fmt.Errorf("build logger: %w", err)
				}
				l = built
				newLogger = built
				sharedLogger = built
			}
			plugins = append(plugins, pipeline.NewLoggingPlugin(l))

		case config.PluginTracing:
			if p.Tracing == nil {
				return nil, nil, fmt.Errorf("tracing plugin missing config")
			}
			plugins = append(plugins, pipeline.NewTracingPlugin(pc.Name, p.Tracing.TraceContentEnabled))

		case config.PluginModelRouter:
			if p.ModelRouter == nil {
				return nil, nil, fmt.Errorf("model_router plugin missing config")
			}
			bindings, groups, err := resolveModelRouterConfig(p.ModelRouter, models)
			if err != nil {
				return nil, nil, err
			}
			plugins = append(plugins, pipeline.NewModelRouterPlugin(bindings, groups))

		default:
			return nil, nil, fmt.Errorf("unknown plugin kind %q", p.Kind)
		}
	}

	if deps.Metrics != nil {
		plugins = append([]pipeline.Plugin{pipeline.NewMetricsPlugin(deps.Metrics)}, plugins...)
	}

	return pipeline.NewChain(plugins...), newLogger, nil
}

// resolveModelRouterConfig binds every model in the snapshot (so the router
// can serve any model key a request names) and declares one fallback group
// from the plugin's flat Models list — the gateway's "fallback group"
// concept is exactly this ordered list, sorted by ModelRecord.Priority at
// NewModelRouterPlugin construction time.
func resolveModelRouterConfig(cfg *config.ModelRouterPluginConfig, models map[string]pipeline.ModelBinding) ([]pipeline.ModelBinding, [][]string, error) {
	for _, key := range cfg.Models {
		if _, ok := models[key]; !ok {
			return nil, nil, fmt.Errorf("model_router references unknown model %q", key)
		}
	}

	bindings := make([]pipeline.ModelBinding, 0, len(models))
	for _, b := range models {
		bindings = append(bindings, b)
	}

	var groups [][]string
	if len(cfg.Models) > 1 {
		groups = [][]string{append([]string(nil), cfg.Models...)}
	}

	return bindings, groups, nil
}
