package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/anima-rt/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/resources"
)

var ErrClosed = errors.New("asset manager already closed")

type AssetInfo struct {
	Path       string
	Type       resources.ResourceType
	LastLoaded time.Time
}

// AssetManager indexes the files of the asset directory and keeps the index
// current with fsnotify. Every write of the settings file is decoded and
// delivered on the Settings channel.
type AssetManager struct {
	assets  map[string]AssetInfo
	loaders map[resources.ResourceType]Loader

	mutex sync.RWMutex

	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed bool
	started  bool
	settings chan config.Settings
}

func NewAssetManager() (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	am := &AssetManager{
		assets:   make(map[string]AssetInfo),
		loaders:  make(map[resources.ResourceType]Loader),
		fsnotify: fsWatch,
		settings: make(chan config.Settings, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	// Register loaders
	am.registerLoader(resources.ResourceTypeMesh, &loaders.ModelLoader{})
	am.registerLoader(resources.ResourceTypeMaterial, &loaders.MaterialLoader{})
	am.registerLoader(resources.ResourceTypeImage, &loaders.TextureLoader{})
	am.registerLoader(resources.ResourceTypeSettings, &loaders.SettingsLoader{})
	return am, nil
}

// Initialize indexes assetsDir and starts watching it and all of its
// sub-directories.
func (am *AssetManager) Initialize(assetsDir string) error {
	if err := am.addRecursive(assetsDir); err != nil {
		return err
	}
	am.started = true
	go am.start()
	return nil
}

// Settings delivers the settings every time the settings file changes. Only
// the latest value is kept when the receiver falls behind.
func (am *AssetManager) Settings() <-chan config.Settings {
	return am.settings
}

// Close stops the watcher and closes the Settings channel.
func (am *AssetManager) Close() error {
	am.mutex.Lock()
	if am.isClosed {
		am.mutex.Unlock()
		return ErrClosed
	}
	am.isClosed = true
	am.mutex.Unlock()

	close(am.done)
	if am.started {
		<-am.stopped
		return nil
	}
	am.fsnotify.Close()
	close(am.settings)
	return nil
}

// AddRecursive starts watching the named directory and all sub-directories.
func (am *AssetManager) addRecursive(name string) error {
	if am.isClosed {
		return ErrClosed
	}
	return am.watchRecursive(name, false)
}

// Register loaders for each asset type
func (am *AssetManager) registerLoader(assetType resources.ResourceType, loader Loader) {
	am.loaders[assetType] = loader
}

// Assets returns the indexed files of the given type.
func (am *AssetManager) Assets(assetType resources.ResourceType) []AssetInfo {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	var out []AssetInfo
	for _, a := range am.assets {
		if a.Type == assetType {
			out = append(out, a)
		}
	}
	return out
}

// LoadAsset loads an indexed asset with the loader of its type.
func (am *AssetManager) LoadAsset(path string, params interface{}) (*resources.Resource, error) {
	path = filepath.Clean(path)
	am.mutex.Lock()
	asset, exists := am.assets[path]
	if exists {
		// Update the loaded time
		asset.LastLoaded = time.Now()
		am.assets[path] = asset
	}
	am.mutex.Unlock()
	if !exists {
		return nil, fmt.Errorf("asset not found: %s", path)
	}

	loader, loaderExists := am.loaders[asset.Type]
	if !loaderExists {
		return nil, fmt.Errorf("no loader registered for asset type: %s", asset.Type)
	}
	return loader.Load(path, asset.Type, params)
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := am.watchRecursive(e.Name, false); err != nil {
						core.LogWarn("failed to watch %s: %s", e.Name, err)
					}
				}
				continue
			}
			// Handle create or modify events
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				am.handleFileEvent(e.Name)
			}
			// Can't stat a deleted file, so the watch removal is best effort.
			if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				am.removeAsset(e.Name)
				_ = am.fsnotify.Remove(e.Name)
			}

		case e, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError(e.Error())

		case <-am.done:
			am.fsnotify.Close()
			close(am.settings)
			return
		}
	}
}

// watchRecursive adds all directories under the given one to the watch list
// and indexes the files found on the way.
func (am *AssetManager) watchRecursive(path string, unWatch bool) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if unWatch {
				return am.fsnotify.Remove(walkPath)
			}
			return am.fsnotify.Add(walkPath)
		}
		am.indexFile(walkPath)
		return nil
	})
}

func (am *AssetManager) indexFile(path string) resources.ResourceType {
	path = filepath.Clean(path)
	assetType := determineAssetType(path)
	if assetType == resources.ResourceTypeNone {
		return assetType
	}
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.assets[path] = AssetInfo{
		Path:       path,
		Type:       assetType,
		LastLoaded: time.Now(),
	}
	return assetType
}

// Handle the creation or modification of a file
func (am *AssetManager) handleFileEvent(path string) {
	if am.indexFile(path) != resources.ResourceTypeSettings {
		return
	}
	res, err := am.LoadAsset(path, nil)
	if err != nil {
		// Editors write in several steps, the last write wins.
		core.LogWarn("settings not reloaded: %s", err)
		return
	}
	settings := res.Data.(config.Settings)
	core.LogInfo("settings reloaded: rotation %.1f, scaling %.3f, submesh %d", settings.Rotation, settings.Scaling, settings.SubMesh)
	for {
		select {
		case am.settings <- settings:
			return
		default:
			// Drop the stale value the receiver did not pick up yet.
			select {
			case <-am.settings:
			default:
			}
		}
	}
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	delete(am.assets, filepath.Clean(path))
}

func determineAssetType(path string) resources.ResourceType {
	if filepath.Base(path) == loaders.SettingsFile {
		return resources.ResourceTypeSettings
	}
	switch filepath.Ext(path) {
	case ".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp":
		return resources.ResourceTypeImage
	case ".mtl":
		return resources.ResourceTypeMaterial
	case ".obj":
		return resources.ResourceTypeMesh
	default:
		return resources.ResourceTypeNone
	}
}
