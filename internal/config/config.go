package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/stereodsm/config.json"
	// EnvConfigPath names the environment variable that overrides the config location.
	EnvConfigPath = "STEREODSM_CONFIG"
)

// Config holds every tunable of a run. It is loaded once and passed explicitly
// to the components that need it.
type Config struct {
	Prepare      Prepare      `json:"prepare"`
	Sparse       Sparse       `json:"sparse"`
	LowRes       LowRes       `json:"lowres"`
	Dense        Dense        `json:"dense"`
	Orchestrator Orchestrator `json:"orchestrator"`
	Logging      Logging      `json:"logging"`
	Paths        Paths        `json:"paths"`
	Publish      Publish      `json:"publish"`
	Server       Server       `json:"server"`
}

// Prepare carries the sparse-stage parameters exposed on the prepare command.
type Prepare struct {
	EpipolarStep             int     `json:"epipolar_step"`
	RegionSize               int     `json:"region_size"`
	DisparityMargin          float64 `json:"disparity_margin"`
	EpipolarErrorUpperBound  float64 `json:"epipolar_error_upper_bound"`
	EpipolarErrorMaximumBias float64 `json:"epipolar_error_maximum_bias"`
	ElevationDeltaLowerBound float64 `json:"elevation_delta_lower_bound"`
	ElevationDeltaUpperBound float64 `json:"elevation_delta_upper_bound"`
	CheckInputs              bool    `json:"check_inputs"`

	// Policy thresholds, kept configurable with their historical defaults.
	MinMatches                        int     `json:"min_matches"`
	DisparityOutliersRejectionPercent float64 `json:"disparity_outliers_rejection_percent"`
	CorrectionDegree                  string  `json:"correction_degree"` // bilinear, quadratic
	ResidualSigmaFactor               float64 `json:"residual_sigma_factor"`
}

// Sparse configures the tie-point matcher.
type Sparse struct {
	CellSize        int     `json:"cell_size"`
	WindowRadius    int     `json:"window_radius"`
	MinResponse     float64 `json:"min_response"`
	MinCorrelation  float64 `json:"min_correlation"`
	UniquenessRatio float64 `json:"uniqueness_ratio"`
}

// LowRes configures the low resolution DSM and its alignment on the initial DEM.
type LowRes struct {
	Resolution      float64 `json:"resolution"` // degrees
	MinSizeX        int     `json:"min_size_x"`
	MinSizeY        int     `json:"min_size_y"`
	MinPointsPerBin int     `json:"min_points_per_bin"`
	MinBins         int     `json:"min_bins"`
	SmoothingWindow int     `json:"smoothing_window"`
}

// Dense configures the dense correlation stage.
type Dense struct {
	TileSize       int     `json:"tile_size"`
	WindowRadius   int     `json:"window_radius"`
	MinCorrelation float64 `json:"min_correlation"`
	Resolution     float64 `json:"resolution"` // degrees
	QuicklookWidth int     `json:"quicklook_width"`
}

// Orchestrator selects and sizes the execution backend.
type Orchestrator struct {
	Mode              string  `json:"mode"` // sequential, local, cluster
	Workers           int     `json:"workers"`
	MaxRAMPerWorkerMB int     `json:"max_ram_per_worker_mb"`
	QueueSize         int     `json:"queue_size"`
	Walltime          string  `json:"walltime"`
	Cluster           Cluster `json:"cluster"`
}

// Cluster configures the gRPC coordinator used by the cluster backend.
type Cluster struct {
	Listen           string   `json:"listen"`
	ProvisionTimeout string   `json:"provision_timeout"`
	PollTimeout      string   `json:"poll_timeout"`
	HeartbeatTimeout string   `json:"heartbeat_timeout"` // silent workers lose their jobs after this
	LaunchCommand    []string `json:"launch_command"`    // {addr} is replaced by the coordinator address
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // per-run log file in the output directory
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Publish configures where run outputs are copied after success.
type Publish struct {
	Target   string `json:"target"` // s3://bucket/prefix or a local directory
	Region   string `json:"region"`
	Endpoint string `json:"endpoint"`
}

// Server configures the status API.
type Server struct {
	Addr string `json:"addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration at path over the defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Prepare: Prepare{
			EpipolarStep:                      30,
			RegionSize:                        500,
			DisparityMargin:                   0.02,
			EpipolarErrorUpperBound:           10,
			EpipolarErrorMaximumBias:          0,
			ElevationDeltaLowerBound:          -1000,
			ElevationDeltaUpperBound:          9000,
			MinMatches:                        100,
			DisparityOutliersRejectionPercent: 10,
			CorrectionDegree:                  "quadratic",
			ResidualSigmaFactor:               3,
		},
		Sparse: Sparse{
			CellSize:        16,
			WindowRadius:    3,
			MinResponse:     1e-3,
			MinCorrelation:  0.8,
			UniquenessRatio: 0.97,
		},
		LowRes: LowRes{
			Resolution:      0.000277777777778,
			MinSizeX:        100,
			MinSizeY:        100,
			MinPointsPerBin: 100,
			MinBins:         100,
			SmoothingWindow: 5,
		},
		Dense: Dense{
			TileSize:       500,
			WindowRadius:   2,
			MinCorrelation: 0.6,
			Resolution:     0.00001,
			QuicklookWidth: 512,
		},
		Orchestrator: Orchestrator{
			Mode:              "local",
			MaxRAMPerWorkerMB: 2000,
			QueueSize:         1024,
			Walltime:          "59m",
			Cluster: Cluster{
				Listen:           "127.0.0.1:7777",
				ProvisionTimeout: "2m",
				PollTimeout:      "5s",
				HeartbeatTimeout: "30s",
			},
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "stereodsm.db"),
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
