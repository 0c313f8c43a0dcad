package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/orchestrator/core"
)

const templateYAML = `
name: shorts
stages:
  - name: trend_analysis
    type: trend_analysis
    agent: trend-analyzer
    path: /analyze
    timeout: 90s
    critical: true
    retry:
      max_retries: 2
      backoff: 500ms
      exponential_base: 2.0
  - name: publishing
    type: publishing
    agent: publisher
    depends_on: [trend_analysis]
    input_mapper: identity
    output_mapper: wrap_publication
`

func TestParseTemplateYAML(t *testing.T) {
	registry := NewMapperRegistry()
	registry.Register("wrap_publication", func(data map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"publication": data}
	})

	template, err := ParseTemplateYAML([]byte(templateYAML), registry)
	require.NoError(t, err)
	assert.Equal(t, "shorts", template.Name)
	require.Len(t, template.Stages, 2)

	first := template.Stages[0]
	assert.Equal(t, StageTrendAnalysis, first.Type)
	assert.Equal(t, 90*time.Second, first.Timeout)
	assert.Equal(t, 2, first.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, first.Retry.Backoff)
	assert.True(t, first.Critical)

	// Unspecified fields get defaults.
	second := template.Stages[1]
	assert.Equal(t, "POST", second.Method)
	assert.Equal(t, "/publishing", second.Path)
	assert.Equal(t, 60*time.Second, second.Timeout)
	assert.Equal(t, 2.0, second.Retry.ExponentialBase)

	wrapped := second.OutputMapper(map[string]interface{}{"url": "x"})
	assert.NotNil(t, wrapped["publication"])
}

func TestParseTemplateYAMLUnknownMapper(t *testing.T) {
	_, err := ParseTemplateYAML([]byte(templateYAML), NewMapperRegistry())
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestTemplateValidate(t *testing.T) {
	cases := []struct {
		name     string
		template Template
	}{
		{"empty name", Template{Stages: []Stage{{Name: "a", Agent: "x"}}}},
		{"no stages", Template{Name: "t"}},
		{"unnamed stage", Template{Name: "t", Stages: []Stage{{Agent: "x"}}}},
		{"duplicate stage", Template{Name: "t", Stages: []Stage{
			{Name: "a", Agent: "x"}, {Name: "a", Agent: "y"},
		}}},
		{"missing agent", Template{Name: "t", Stages: []Stage{{Name: "a"}}}},
		{"forward dependency", Template{Name: "t", Stages: []Stage{
			{Name: "a", Agent: "x", DependsOn: []string{"b"}},
			{Name: "b", Agent: "y"},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.template.Validate(), core.ErrInvalidConfiguration)
		})
	}
}

func TestDefaultViralizationTemplate(t *testing.T) {
	template := DefaultViralizationTemplate()
	require.NoError(t, template.Validate())
	require.Len(t, template.Stages, 4)

	order := []StageType{StageTrendAnalysis, StageContentCreation, StageVideoProduction, StagePublishing}
	for i, stage := range template.Stages {
		assert.Equal(t, order[i], stage.Type)
		if i > 0 {
			assert.Equal(t, []string{template.Stages[i-1].Name}, stage.DependsOn)
		}
	}
}
