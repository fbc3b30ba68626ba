package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Application ApplicationConfig `toml:"application"`
	Log         LogConfig         `toml:"log"`
	Renderer    RendererConfig    `toml:"renderer"`
	GPU         GPUConfig         `toml:"gpu"`
	Assets      AssetsConfig      `toml:"assets"`
	Settings    Settings          `toml:"settings"`
}

type ApplicationConfig struct {
	// The application name used in windowing, if applicable.
	Name string `toml:"name"`
	// Window starting position x axis, if applicable.
	StartPosX uint32 `toml:"start_pos_x"`
	// Window starting position y axis, if applicable.
	StartPosY uint32 `toml:"start_pos_y"`
	// Window starting width, if applicable.
	StartWidth uint32 `toml:"width"`
	// Window starting height, if applicable.
	StartHeight uint32 `toml:"height"`
	// Headless runs without a window; the loop then stops after MaxFrames.
	Headless bool `toml:"headless"`
	// MaxFrames stops the loop after that many rendered frames. Zero runs
	// until the window closes.
	MaxFrames uint64 `toml:"max_frames"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type RendererConfig struct {
	// Frames is the number of frames in flight.
	Frames      int        `toml:"frames"`
	BackBuffers int        `toml:"back_buffers"`
	ClearColor  [4]float32 `toml:"clear_color"`
	// FieldOfView is the vertical field of view in degrees.
	FieldOfView    float32    `toml:"field_of_view"`
	NearClip       float32    `toml:"near_clip"`
	FarClip        float32    `toml:"far_clip"`
	CameraPosition [3]float32 `toml:"camera_position"`
	CameraTarget   [3]float32 `toml:"camera_target"`
	LightPosition  [3]float32 `toml:"light_position"`
	LightColor     [3]float32 `toml:"light_color"`
}

type GPUConfig struct {
	// Probe enumerates the Vulkan adapters at startup and reports their
	// ray tracing support.
	Probe bool `toml:"probe"`
	// Adapter is the index of the adapter to report as selected; -1 picks
	// the first ray tracing capable one.
	Adapter int `toml:"adapter"`

	CopyLatencyMs   int    `toml:"copy_latency_ms"`
	DirectLatencyMs int    `toml:"direct_latency_ms"`
	JitterMs        int    `toml:"jitter_ms"`
	Seed            uint64 `toml:"seed"`
	MemoryBudgetMB  uint64 `toml:"memory_budget_mb"`
	MaxASMB         uint64 `toml:"max_acceleration_structure_mb"`
}

func (g GPUConfig) CopyLatency() time.Duration {
	return time.Duration(g.CopyLatencyMs) * time.Millisecond
}

func (g GPUConfig) DirectLatency() time.Duration {
	return time.Duration(g.DirectLatencyMs) * time.Millisecond
}

func (g GPUConfig) Jitter() time.Duration {
	return time.Duration(g.JitterMs) * time.Millisecond
}

// MemoryRequirements sizes the resource table components, in elements.
type MemoryRequirements struct {
	Vertices    uint32 `toml:"vertices"`
	Indices     uint32 `toml:"indices"`
	Textures    uint32 `toml:"textures"`
	SubMeshes   uint32 `toml:"submeshes"`
	TextureSize uint32 `toml:"max_texture_size"`
}

type AssetsConfig struct {
	Directory string `toml:"directory"`
	// Mesh is the OBJ file to load, relative to Directory.
	Mesh   string             `toml:"mesh"`
	Watch  bool               `toml:"watch"`
	Memory MemoryRequirements `toml:"memory"`
}

// Settings are the scene parameters that can change while running.
type Settings struct {
	// Rotation around the y axis, in degrees.
	Rotation float32 `toml:"rotation"`
	Scaling  float32 `toml:"scaling"`
	// SubMesh restricts drawing to one sub-mesh; -1 draws all of them.
	SubMesh int `toml:"submesh"`
}

func DefaultSettings() Settings {
	return Settings{Rotation: 0, Scaling: 1, SubMesh: -1}
}

func Default() *Config {
	return &Config{
		Application: ApplicationConfig{
			Name:        "Anima RT Viewer",
			StartPosX:   100,
			StartPosY:   100,
			StartWidth:  1280,
			StartHeight: 720,
		},
		Log: LogConfig{Level: "info"},
		Renderer: RendererConfig{
			Frames:         2,
			BackBuffers:    2,
			ClearColor:     [4]float32{0.1, 0.1, 0.15, 1},
			FieldOfView:    60,
			NearClip:       0.1,
			FarClip:        1000,
			CameraPosition: [3]float32{0, 2, -8},
			CameraTarget:   [3]float32{0, 0, 0},
			LightPosition:  [3]float32{5, 10, -5},
			LightColor:     [3]float32{1, 1, 1},
		},
		GPU: GPUConfig{Adapter: -1},
		Assets: AssetsConfig{
			Directory: "assets",
			Mesh:      "models/scene.obj",
			Watch:     true,
			Memory: MemoryRequirements{
				Vertices:    1 << 20,
				Indices:     1 << 21,
				Textures:    128,
				SubMeshes:   256,
				TextureSize: 4096,
			},
		},
		Settings: DefaultSettings(),
	}
}

// Load reads a TOML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("parse config at %d:%d: %w", row, col, err)
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Renderer.Frames < 1 {
		return fmt.Errorf("%w: renderer.frames must be at least 1, got %d", ErrInvalidConfig, c.Renderer.Frames)
	}
	if c.Renderer.BackBuffers < 2 {
		return fmt.Errorf("%w: renderer.back_buffers must be at least 2, got %d", ErrInvalidConfig, c.Renderer.BackBuffers)
	}
	if c.Application.StartWidth == 0 || c.Application.StartHeight == 0 {
		return fmt.Errorf("%w: application size must not be zero", ErrInvalidConfig)
	}
	if c.Renderer.NearClip <= 0 || c.Renderer.FarClip <= c.Renderer.NearClip {
		return fmt.Errorf("%w: clip planes %v..%v", ErrInvalidConfig, c.Renderer.NearClip, c.Renderer.FarClip)
	}
	if c.Assets.Mesh == "" {
		return fmt.Errorf("%w: assets.mesh is empty", ErrInvalidConfig)
	}
	if c.GPU.Adapter < -1 {
		return fmt.Errorf("%w: gpu.adapter must be -1 or an index, got %d", ErrInvalidConfig, c.GPU.Adapter)
	}
	if c.Application.Headless && c.Application.MaxFrames == 0 {
		return fmt.Errorf("%w: headless runs need application.max_frames", ErrInvalidConfig)
	}
	return c.Settings.Validate()
}

func (s Settings) Validate() error {
	if s.Scaling <= 0 {
		return fmt.Errorf("%w: settings.scaling must be positive, got %v", ErrInvalidConfig, s.Scaling)
	}
	if s.SubMesh < -1 {
		return fmt.Errorf("%w: settings.submesh must be -1 or an index, got %d", ErrInvalidConfig, s.SubMesh)
	}
	return nil
}

// settingsFile is the layout of the hot-reloaded settings file.
type settingsFile struct {
	Settings Settings `toml:"settings"`
}

// ParseSettings decodes the [settings] table of a TOML document. Missing
// keys keep their default.
func ParseSettings(data []byte) (Settings, error) {
	f := settingsFile{Settings: DefaultSettings()}
	if err := toml.Unmarshal(data, &f); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := f.Settings.Validate(); err != nil {
		return Settings{}, err
	}
	return f.Settings, nil
}

func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return ParseSettings(data)
}
