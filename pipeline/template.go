package pipeline

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/viralforge/orchestrator/core"
)

// Template is an ordered stage list with a name. Templates are immutable
// once handed to an executor; executions snapshot their stages.
type Template struct {
	Name   string  `json:"name" yaml:"name"`
	Stages []Stage `json:"stages" yaml:"stages"`
}

// Validate checks stage names are unique and dependencies reference
// earlier stages only.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("pipeline: template name is required: %w", core.ErrInvalidConfiguration)
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("pipeline: template %q has no stages: %w", t.Name, core.ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(t.Stages))
	for i, stage := range t.Stages {
		if stage.Name == "" {
			return fmt.Errorf("pipeline: template %q stage %d has no name: %w", t.Name, i, core.ErrInvalidConfiguration)
		}
		if seen[stage.Name] {
			return fmt.Errorf("pipeline: template %q duplicates stage %q: %w", t.Name, stage.Name, core.ErrInvalidConfiguration)
		}
		if stage.Agent == "" {
			return fmt.Errorf("pipeline: template %q stage %q has no agent: %w", t.Name, stage.Name, core.ErrInvalidConfiguration)
		}
		for _, dep := range stage.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("pipeline: template %q stage %q depends on unknown or later stage %q: %w",
					t.Name, stage.Name, dep, core.ErrInvalidConfiguration)
			}
		}
		seen[stage.Name] = true
	}
	return nil
}

// MapperRegistry resolves mapper names from template files to functions.
// YAML templates reference mappers by name; code-built templates bind
// functions directly.
type MapperRegistry struct {
	mappers map[string]Mapper
}

// NewMapperRegistry creates a registry preloaded with the identity mapper.
func NewMapperRegistry() *MapperRegistry {
	r := &MapperRegistry{mappers: make(map[string]Mapper)}
	r.Register("identity", IdentityMapper)
	return r
}

// Register binds a mapper name.
func (r *MapperRegistry) Register(name string, m Mapper) {
	r.mappers[name] = m
}

// Resolve returns the mapper for name, or the identity mapper when the
// name is empty.
func (r *MapperRegistry) Resolve(name string) (Mapper, error) {
	if name == "" {
		return IdentityMapper, nil
	}
	m, ok := r.mappers[name]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown mapper %q: %w", name, core.ErrInvalidConfiguration)
	}
	return m, nil
}

// duration wraps time.Duration with "90s"-style YAML decoding.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, core.ErrInvalidConfiguration)
	}
	*d = duration(parsed)
	return nil
}

type templateFile struct {
	Name   string `yaml:"name"`
	Stages []struct {
		Name    string   `yaml:"name"`
		Type    string   `yaml:"type"`
		Agent   string   `yaml:"agent"`
		Method  string   `yaml:"method"`
		Path    string   `yaml:"path"`
		Timeout duration `yaml:"timeout"`
		Retry   struct {
			MaxRetries      int      `yaml:"max_retries"`
			Backoff         duration `yaml:"backoff"`
			ExponentialBase float64  `yaml:"exponential_base"`
		} `yaml:"retry"`
		DependsOn    []string `yaml:"depends_on"`
		Critical     bool     `yaml:"critical"`
		InputMapper  string   `yaml:"input_mapper"`
		OutputMapper string   `yaml:"output_mapper"`
	} `yaml:"stages"`
}

// ParseTemplateYAML loads a template definition, resolving mapper names
// through the registry and applying the same defaults as code-built
// templates.
func ParseTemplateYAML(data []byte, registry *MapperRegistry) (*Template, error) {
	if registry == nil {
		registry = NewMapperRegistry()
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("pipeline: parse template: %w", err)
	}

	template := &Template{Name: file.Name}
	for _, s := range file.Stages {
		in, err := registry.Resolve(s.InputMapper)
		if err != nil {
			return nil, err
		}
		out, err := registry.Resolve(s.OutputMapper)
		if err != nil {
			return nil, err
		}
		template.Stages = append(template.Stages, applyStageDefaults(Stage{
			Name:    s.Name,
			Type:    StageType(s.Type),
			Agent:   s.Agent,
			Method:  s.Method,
			Path:    s.Path,
			Timeout: time.Duration(s.Timeout),
			Retry: RetryConfig{
				MaxRetries:      s.Retry.MaxRetries,
				Backoff:         time.Duration(s.Retry.Backoff),
				ExponentialBase: s.Retry.ExponentialBase,
			},
			DependsOn:    s.DependsOn,
			Critical:     s.Critical,
			InputMapper:  in,
			OutputMapper: out,
		}))
	}

	if err := template.Validate(); err != nil {
		return nil, err
	}
	return template, nil
}

func applyStageDefaults(stage Stage) Stage {
	if stage.Method == "" {
		stage.Method = "POST"
	}
	if stage.Path == "" {
		stage.Path = "/" + string(stage.Type)
	}
	if stage.Timeout <= 0 {
		stage.Timeout = 60 * time.Second
	}
	if stage.Retry.MaxRetries < 0 {
		stage.Retry.MaxRetries = 0
	}
	if stage.Retry.Backoff <= 0 {
		stage.Retry.Backoff = time.Second
	}
	if stage.Retry.ExponentialBase <= 0 {
		stage.Retry.ExponentialBase = 2.0
	}
	if stage.InputMapper == nil {
		stage.InputMapper = IdentityMapper
	}
	if stage.OutputMapper == nil {
		stage.OutputMapper = IdentityMapper
	}
	return stage
}

// DefaultViralizationTemplate is the built-in four-stage content pipeline:
// trend analysis feeds content creation, which feeds video production,
// which feeds publishing. Trend analysis and publishing are critical;
// the middle stages degrade rather than abort.
func DefaultViralizationTemplate() *Template {
	return &Template{
		Name: "viralization",
		Stages: []Stage{
			applyStageDefaults(Stage{
				Name:     "trend_analysis",
				Type:     StageTrendAnalysis,
				Agent:    "trend-analyzer",
				Path:     "/analyze",
				Timeout:  2 * time.Minute,
				Retry:    RetryConfig{MaxRetries: 2, Backoff: 2 * time.Second, ExponentialBase: 2.0},
				Critical: true,
				OutputMapper: func(data map[string]interface{}) map[string]interface{} {
					return map[string]interface{}{"trends": data}
				},
			}),
			applyStageDefaults(Stage{
				Name:      "content_creation",
				Type:      StageContentCreation,
				Agent:     "content-creator",
				Path:      "/create",
				Timeout:   5 * time.Minute,
				Retry:     RetryConfig{MaxRetries: 2, Backoff: 2 * time.Second, ExponentialBase: 2.0},
				DependsOn: []string{"trend_analysis"},
				Critical:  true,
				OutputMapper: func(data map[string]interface{}) map[string]interface{} {
					return map[string]interface{}{"content": data}
				},
			}),
			applyStageDefaults(Stage{
				Name:      "video_production",
				Type:      StageVideoProduction,
				Agent:     "video-producer",
				Path:      "/produce",
				Timeout:   10 * time.Minute,
				Retry:     RetryConfig{MaxRetries: 3, Backoff: 5 * time.Second, ExponentialBase: 2.0},
				DependsOn: []string{"content_creation"},
				OutputMapper: func(data map[string]interface{}) map[string]interface{} {
					return map[string]interface{}{"video": data}
				},
			}),
			applyStageDefaults(Stage{
				Name:      "publishing",
				Type:      StagePublishing,
				Agent:     "publisher",
				Path:      "/publish",
				Timeout:   2 * time.Minute,
				Retry:     RetryConfig{MaxRetries: 3, Backoff: 2 * time.Second, ExponentialBase: 2.0},
				DependsOn: []string{"video_production"},
				Critical:  true,
				OutputMapper: func(data map[string]interface{}) map[string]interface{} {
					return map[string]interface{}{"publication": data}
				},
			}),
		},
	}
}
