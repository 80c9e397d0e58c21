package util

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"

	"github.com/open-telemetry/opamp-go/protobufs"
)

// HashConfig computes the hex-encoded SHA256 digest of a config body. The
// digest is over the exact bytes: two deployments with byte-identical YAML
// always share a hash, and any byte change produces a new one.
func HashConfig(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ConfigMapForYAML wraps a raw YAML body in the single-file AgentConfigMap
// shape collectors expect, using "config.yaml" as the standard filename.
func ConfigMapForYAML(body []byte) *protobufs.AgentConfigMap {
	return &protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"config.yaml": {
				ContentType: "text/yaml",
				Body:        body,
			},
		},
	}
}

// HashAgentConfigMap computes a stable SHA256 hash of an AgentConfigMap.
// The hash is computed over sorted filenames and their body content only,
// ensuring the same configuration always produces the same hash regardless
// of map iteration order or content type metadata.
func HashAgentConfigMap(configMap *protobufs.AgentConfigMap) []byte {
	if configMap == nil || len(configMap.ConfigMap) == 0 {
		return []byte{}
	}

	keys := make([]string, 0, len(configMap.ConfigMap))
	for k := range configMap.ConfigMap {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	h := sha256.New()
	for _, k := range keys {
		file := configMap.ConfigMap[k]
		if file == nil {
			continue
		}
		h.Write([]byte(k))
		h.Write(file.Body)
	}

	return h.Sum(nil)
}
