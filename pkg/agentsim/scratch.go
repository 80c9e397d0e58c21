package agentsim

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/open-telemetry/opamp-go/protobufs"
)

const hashFileName = "config.hash"

// scratchDir holds the simulator's materialized config, one file per config
// map entry plus the applied hash. Writes are atomic so a crashed simulator
// never reports a half-written config.
type scratchDir struct {
	mu  sync.Mutex
	dir string
}

func newScratchDir(dir string) *scratchDir {
	return &scratchDir{dir: dir}
}

// Apply writes the offered config map and records its hash. An offer carrying
// the already-applied hash is a no-op.
func (s *scratchDir) Apply(incoming *protobufs.AgentRemoteConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bytes.Equal(s.currentHashLocked(), incoming.GetConfigHash()) {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	for name, file := range incoming.GetConfig().GetConfigMap() {
		target := path.Join(s.dir, fileName(name))
		if err := atomic.WriteFile(target, bytes.NewReader(file.GetBody())); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
	}
	if err := atomic.WriteFile(path.Join(s.dir, hashFileName), bytes.NewReader(incoming.GetConfigHash())); err != nil {
		return fmt.Errorf("write hash: %w", err)
	}
	return nil
}

// CurrentHash returns the hash of the applied config, or nil before the first
// apply.
func (s *scratchDir) CurrentHash() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentHashLocked()
}

func (s *scratchDir) currentHashLocked() []byte {
	h, err := os.ReadFile(path.Join(s.dir, hashFileName))
	if err != nil {
		return nil
	}
	return h
}

// ConfigMap reads the materialized files back as the effective config the
// simulator reports upstream.
func (s *scratchDir) ConfigMap() (*protobufs.AgentConfigMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return &protobufs.AgentConfigMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading scratch directory: %w", err)
	}

	configMap := make(map[string]*protobufs.AgentConfigFile)
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == hashFileName {
			continue
		}
		body, err := os.ReadFile(path.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", entry.Name(), err)
		}
		configMap[mapKey(entry.Name())] = &protobufs.AgentConfigFile{
			Body:        body,
			ContentType: "application/x-yaml",
		}
	}
	return &protobufs.AgentConfigMap{ConfigMap: configMap}, nil
}

// Config maps commonly use "" as the single entry name; give it a real file
// name on disk and strip it again when reporting.
func fileName(entry string) string {
	if entry == "" {
		return "config.yaml"
	}
	return entry
}

func mapKey(file string) string {
	if file == "config.yaml" {
		return ""
	}
	return file
}
