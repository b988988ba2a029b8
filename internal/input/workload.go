package input

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torfs-project/torfs/internal/sim"
)

// workloadDoc is the on-disk workload shape.
type workloadDoc struct {
	Streams []streamDoc `yaml:"streams"`
}

type streamDoc struct {
	User  uint64    `yaml:"user"`
	Start time.Time `yaml:"start"`
	Port  uint16    `yaml:"port"`
	Bytes uint64    `yaml:"bytes"`
}

// LoadWorkload reads a workload file into engine requests.
func LoadWorkload(path string) ([]sim.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload: %w", err)
	}
	return ParseWorkload(data)
}

// ParseWorkload decodes workload bytes into engine requests.
func ParseWorkload(data []byte) ([]sim.Request, error) {
	var doc workloadDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workload: %w", err)
	}
	if len(doc.Streams) == 0 {
		return nil, fmt.Errorf("workload has no streams")
	}
	reqs := make([]sim.Request, 0, len(doc.Streams))
	for i, s := range doc.Streams {
		if s.Start.IsZero() {
			return nil, fmt.Errorf("stream %d: missing start time", i)
		}
		if s.Port == 0 {
			return nil, fmt.Errorf("stream %d: missing port", i)
		}
		if s.Bytes == 0 {
			return nil, fmt.Errorf("stream %d: missing bytes", i)
		}
		reqs = append(reqs, sim.Request{
			User:  s.User,
			Start: s.Start.UTC(),
			Port:  s.Port,
			Bytes: s.Bytes,
		})
	}
	return reqs, nil
}
