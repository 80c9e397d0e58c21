package util

import (
	"testing"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/assert"
)

func TestHashConfig_Deterministic(t *testing.T) {
	body := []byte("receivers:\n  otlp:\nexporters:\n  debug:\n")

	h1 := HashConfig(body)
	h2 := HashConfig(body)
	assert.Equal(t, h1, h2, "same bytes must produce same hash")
	assert.Len(t, h1, 64, "hex-encoded SHA256 is 64 chars")
}

func TestHashConfig_ByteSensitive(t *testing.T) {
	h1 := HashConfig([]byte("receivers:\n  otlp:\n"))
	h2 := HashConfig([]byte("receivers:\n  otlp:"))
	assert.NotEqual(t, h1, h2, "a single byte change must change the hash")
}

func TestConfigMapForYAML(t *testing.T) {
	body := []byte("exporters:\n  debug:\n")
	cm := ConfigMapForYAML(body)

	assert.Len(t, cm.ConfigMap, 1)
	file := cm.ConfigMap["config.yaml"]
	assert.NotNil(t, file)
	assert.Equal(t, body, file.Body)
	assert.Equal(t, "text/yaml", file.ContentType)
}

func TestHashAgentConfigMap(t *testing.T) {
	tests := []struct {
		name      string
		configMap *protobufs.AgentConfigMap
		wantEmpty bool
	}{
		{
			name:      "nil config map returns nil",
			configMap: nil,
			wantEmpty: true,
		},
		{
			name: "empty config map returns nil",
			configMap: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{},
			},
			wantEmpty: true,
		},
		{
			name: "single file config returns hash",
			configMap: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{
					"config.yaml": {
						Body:        []byte("receivers:\n  otlp:"),
						ContentType: "text/yaml",
					},
				},
			},
			wantEmpty: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := HashAgentConfigMap(tt.configMap)
			if tt.wantEmpty {
				assert.Empty(t, result)
			} else {
				assert.NotEmpty(t, result)
				assert.Len(t, result, 32)
			}
		})
	}
}

func TestHashAgentConfigMap_ContentTypeIgnored(t *testing.T) {
	cm1 := &protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"config.yaml": {Body: []byte("receivers:\n  otlp:"), ContentType: "text/yaml"},
		},
	}
	cm2 := &protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"config.yaml": {Body: []byte("receivers:\n  otlp:"), ContentType: "application/yaml"},
		},
	}

	assert.Equal(t, HashAgentConfigMap(cm1), HashAgentConfigMap(cm2),
		"content type should not affect hash")
}

func TestHashAgentConfigMap_OrderIndependent(t *testing.T) {
	cm1 := &protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"a.yaml": {Body: []byte("a content")},
			"b.yaml": {Body: []byte("b content")},
			"c.yaml": {Body: []byte("c content")},
		},
	}
	cm2 := &protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"c.yaml": {Body: []byte("c content")},
			"a.yaml": {Body: []byte("a content")},
			"b.yaml": {Body: []byte("b content")},
		},
	}

	assert.Equal(t, HashAgentConfigMap(cm1), HashAgentConfigMap(cm2),
		"hash should be independent of map insertion order")
}

func TestHashAgentConfigMap_NilFileSkipped(t *testing.T) {
	cm := &protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"config.yaml": {Body: []byte("content")},
			"nil.yaml":    nil,
		},
	}

	hash := HashAgentConfigMap(cm)
	assert.NotNil(t, hash)
	assert.Len(t, hash, 32)
}
