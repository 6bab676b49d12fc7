package instruments

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tinvest-stream/internal/models"
)

// FileConfig is the YAML instrument list. Entries may be full records or
// bare FIGIs.
type FileConfig struct {
	Instruments []models.Instrument `yaml:"instruments"`
	Figis       []string            `yaml:"figis"`
}

// FileSource reads instruments from a YAML file on every resolution, so the
// list can be edited without a restart
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return "file" }

func (s *FileSource) Instruments(context.Context) ([]models.Instrument, error) {
	return LoadFile(s.path)
}

// LoadFile parses the instrument list at path
func LoadFile(path string) ([]models.Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruments file: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse instruments YAML: %w", err)
	}

	out := append([]models.Instrument(nil), cfg.Instruments...)
	out = append(out, FromFigis(cfg.Figis)...)
	if len(out) == 0 {
		return nil, fmt.Errorf("no instruments found in %s", path)
	}
	return out, nil
}
