package loaders

import (
	"path/filepath"

	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/resources"
)

// SettingsFile is the name of the hot-reloaded settings file.
const SettingsFile = "settings.toml"

type SettingsLoader struct{}

// Load decodes the [settings] table of a TOML file into a config.Settings.
func (sl *SettingsLoader) Load(path string, assetType resources.ResourceType, params interface{}) (*resources.Resource, error) {
	settings, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	return &resources.Resource{
		Type:     resources.ResourceTypeSettings,
		Name:     filepath.Base(path),
		FullPath: path,
		Data:     settings,
	}, nil
}

func (sl *SettingsLoader) Unload(*resources.Resource) error {
	return nil
}
