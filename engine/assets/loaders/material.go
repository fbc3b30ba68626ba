package loaders

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/resources"
)

type MaterialLoader struct{}

// Load parses a Wavefront material library. The resource data is a
// map[string]resources.MaterialConfig keyed by material name, with texture
// paths joined to the library directory.
func (ml *MaterialLoader) Load(path string, assetType resources.ResourceType, params interface{}) (*resources.Resource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	materials, err := parseMTL(file, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse material library %s: %w", path, err)
	}
	return &resources.Resource{
		Type:     resources.ResourceTypeMaterial,
		Name:     filepath.Base(path),
		FullPath: path,
		DataSize: uint64(len(materials)),
		Data:     materials,
	}, nil
}

func parseMTL(r io.Reader, dir string) (map[string]resources.MaterialConfig, error) {
	scanner := bufio.NewScanner(r)
	materials := make(map[string]resources.MaterialConfig)
	var current *resources.MaterialConfig
	flush := func() {
		if current != nil {
			materials[current.Name] = *current
		}
	}

	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		value = strings.TrimSpace(value)

		if key == "newmtl" {
			if value == "" {
				return nil, fmt.Errorf("line %d: newmtl without a name", lineNumber)
			}
			flush()
			current = &resources.MaterialConfig{Name: value}
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("line %d: %q before newmtl", lineNumber, key)
		}

		switch strings.ToLower(key) {
		case "map_kd":
			current.DiffuseMap = texturePath(dir, value)
		case "map_ks":
			current.SpecularMap = texturePath(dir, value)
		case "map_bump", "bump", "norm", "map_kn":
			current.NormalMap = texturePath(dir, value)
		case "ka", "kd", "ks", "ke", "ns", "ni", "d", "tr", "tf", "illum", "map_ka", "map_d":
			// Colours and scalars are not used by the viewer.
		default:
			core.LogWarn("Unknown key '%s' found in material library. Skipping...", key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return materials, nil
}

// texturePath drops the options of a map statement and resolves the file
// against the library directory.
func texturePath(dir, value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Join(dir, filepath.FromSlash(strings.ReplaceAll(fields[len(fields)-1], `\`, "/")))
}

func (ml *MaterialLoader) Unload(*resources.Resource) error {
	return nil
}
