// Package manifest reads the input document of a run and writes the content
// documents produced by the prepare and compute steps.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"stereodsm/internal/config"
	"stereodsm/internal/correction"
	"stereodsm/internal/epipolar"
	"stereodsm/internal/errs"
	"stereodsm/internal/geometry"
)

// Names of the documents written inside an output directory.
const (
	ContentFile = "content.json"
	ComputeFile = "dsm_content.json"
)

// Input is the document describing a stereo pair. Relative paths are
// resolved against the directory of the document.
type Input struct {
	Img1       string   `json:"img1"`
	Img2       string   `json:"img2"`
	Model1     string   `json:"model1"`
	Model2     string   `json:"model2"`
	DEM        string   `json:"dem,omitempty"`
	Mask1      string   `json:"mask1,omitempty"`
	Mask2      string   `json:"mask2,omitempty"`
	NoData1    *float64 `json:"nodata1,omitempty"`
	NoData2    *float64 `json:"nodata2,omitempty"`
	DefaultAlt float64  `json:"default_alt"`
}

// ReadInput loads and validates an input document.
func ReadInput(path string) (*Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: input document %s: %v", errs.ErrConfiguration, path, err)
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("input document %s: %w", path, err)
	}
	in.Resolve(filepath.Dir(path))
	return &in, nil
}

// Validate checks that the mandatory entries are present.
func (in *Input) Validate() error {
	required := []struct{ name, value string }{
		{"img1", in.Img1}, {"img2", in.Img2}, {"model1", in.Model1}, {"model2", in.Model2},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: missing %q", errs.ErrConfiguration, r.name)
		}
	}
	return nil
}

// Resolve makes every relative path absolute with respect to dir.
func (in *Input) Resolve(dir string) {
	for _, p := range []*string{&in.Img1, &in.Img2, &in.Model1, &in.Model2, &in.DEM, &in.Mask1, &in.Mask2} {
		*p = absolute(dir, *p)
	}
}

// Left returns the left image source.
func (in *Input) Left() epipolar.Source {
	return epipolar.Source{Image: in.Img1, Mask: in.Mask1, NoData: in.NoData1}
}

// Right returns the right image source.
func (in *Input) Right() epipolar.Source {
	return epipolar.Source{Image: in.Img2, Mask: in.Mask2, NoData: in.NoData2}
}

// Content mirrors content.json.
type Content struct {
	Input         Input         `json:"input"`
	Preprocessing Preprocessing `json:"preprocessing"`
}

// Preprocessing is the section written by the prepare step.
type Preprocessing struct {
	Version    string     `json:"version"`
	Parameters Parameters `json:"parameters"`
	Static     Static     `json:"static_parameters"`
	Output     Output     `json:"output"`
}

// Parameters are the user-facing prepare parameters.
type Parameters struct {
	EpipolarStep             int     `json:"epi_step"`
	DisparityMargin          float64 `json:"disparity_margin"`
	EpipolarErrorUpperBound  float64 `json:"epipolar_error_upper_bound"`
	EpipolarErrorMaximumBias float64 `json:"epipolar_error_maximum_bias"`
	ElevationDeltaLowerBound float64 `json:"elevation_delta_lower_bound"`
	ElevationDeltaUpperBound float64 `json:"elevation_delta_upper_bound"`
}

// ParametersFromConfig copies the prepare parameters of cfg.
func ParametersFromConfig(c config.Prepare) Parameters {
	return Parameters{
		EpipolarStep:             c.EpipolarStep,
		DisparityMargin:          c.DisparityMargin,
		EpipolarErrorUpperBound:  c.EpipolarErrorUpperBound,
		EpipolarErrorMaximumBias: c.EpipolarErrorMaximumBias,
		ElevationDeltaLowerBound: c.ElevationDeltaLowerBound,
		ElevationDeltaUpperBound: c.ElevationDeltaUpperBound,
	}
}

// Static records the tunables that are not exposed as prepare flags.
type Static struct {
	RegionSize                        int           `json:"region_size"`
	MinMatches                        int           `json:"min_matches"`
	DisparityOutliersRejectionPercent float64       `json:"disparity_outliers_rejection_percent"`
	CorrectionDegree                  string        `json:"correction_degree"`
	ResidualSigmaFactor               float64       `json:"residual_sigma_factor"`
	Sparse                            config.Sparse `json:"sparse_matching"`
	LowRes                            config.LowRes `json:"lowres_dsm"`
}

// StaticFromConfig copies the static parameters of cfg.
func StaticFromConfig(c *config.Config) Static {
	return Static{
		RegionSize:                        c.Prepare.RegionSize,
		MinMatches:                        c.Prepare.MinMatches,
		DisparityOutliersRejectionPercent: c.Prepare.DisparityOutliersRejectionPercent,
		CorrectionDegree:                  c.Prepare.CorrectionDegree,
		ResidualSigmaFactor:               c.Prepare.ResidualSigmaFactor,
		Sparse:                            c.Sparse,
		LowRes:                            c.LowRes,
	}
}

// Output lists everything the prepare step produced. File entries are
// relative to the output directory.
type Output struct {
	Envelopes                    string            `json:"envelopes,omitempty"`
	EnvelopesIntersectionBBox    [4]float64        `json:"envelopes_intersection_bounding_box"`
	EpipolarSizeX                int               `json:"epipolar_size_x"`
	EpipolarSizeY                int               `json:"epipolar_size_y"`
	EpipolarOriginX              float64           `json:"epipolar_origin_x"`
	EpipolarOriginY              float64           `json:"epipolar_origin_y"`
	EpipolarSpacingX             float64           `json:"epipolar_spacing_x"`
	EpipolarSpacingY             float64           `json:"epipolar_spacing_y"`
	DispToAltRatio               float64           `json:"disp_to_alt_ratio"`
	Frame                        geometry.Frame    `json:"epipolar_frame"`
	LeftAzimuthAngle             float64           `json:"left_azimuth_angle"`
	LeftElevationAngle           float64           `json:"left_elevation_angle"`
	RightAzimuthAngle            float64           `json:"right_azimuth_angle"`
	RightElevationAngle          float64           `json:"right_elevation_angle"`
	ConvergenceAngle             float64           `json:"convergence_angle"`
	RawMatches                   string            `json:"raw_matches,omitempty"`
	LeftEpipolarGrid             string            `json:"left_epipolar_grid,omitempty"`
	RightEpipolarGrid            string            `json:"right_epipolar_grid,omitempty"`
	RightEpipolarUncorrected     string            `json:"right_epipolar_uncorrected_grid,omitempty"`
	CorrectionModel              string            `json:"epipolar_correction_model,omitempty"`
	StatsBefore                  *correction.Stats `json:"epipolar_error_before_correction,omitempty"`
	StatsAfter                   *correction.Stats `json:"epipolar_error_after_correction,omitempty"`
	MinimumDisparity             float64           `json:"minimum_disparity"`
	MaximumDisparity             float64           `json:"maximum_disparity"`
	Matches                      string            `json:"matches,omitempty"`
	LowResDSM                    string            `json:"lowres_dsm,omitempty"`
	LowResInitialDEM             string            `json:"lowres_initial_dem,omitempty"`
	LowResElevationDifference    string            `json:"lowres_elevation_difference,omitempty"`
	TimeDirectionLineOriginX     *float64          `json:"time_direction_line_origin_x,omitempty"`
	TimeDirectionLineOriginY     *float64          `json:"time_direction_line_origin_y,omitempty"`
	TimeDirectionLineVectorX     *float64          `json:"time_direction_line_vector_x,omitempty"`
	TimeDirectionLineVectorY     *float64          `json:"time_direction_line_vector_y,omitempty"`
	LowResDEMSplinesFit          string            `json:"lowres_dem_splines_fit,omitempty"`
	CorrectedLowResDSM           string            `json:"corrected_lowres_dsm,omitempty"`
	CorrectedLowResElevationDiff string            `json:"corrected_lowres_elevation_difference,omitempty"`
}

// Write stores the content document at path.
func (c *Content) Write(path string) error {
	return writeJSON(path, c)
}

// ReadContent loads a content document and resolves its output entries
// against the directory holding it.
func ReadContent(path string) (*Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Content
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: content document %s: %v", errs.ErrConfiguration, path, err)
	}
	dir := filepath.Dir(path)
	o := &c.Preprocessing.Output
	for _, p := range []*string{
		&o.Envelopes, &o.RawMatches, &o.LeftEpipolarGrid, &o.RightEpipolarGrid, &o.RightEpipolarUncorrected,
		&o.CorrectionModel, &o.Matches, &o.LowResDSM, &o.LowResInitialDEM, &o.LowResElevationDifference,
		&o.LowResDEMSplinesFit, &o.CorrectedLowResDSM, &o.CorrectedLowResElevationDiff,
	} {
		*p = absolute(dir, *p)
	}
	return &c, nil
}

// ComputeContent is written by the compute step.
type ComputeContent struct {
	Version string        `json:"version"`
	Prepare string        `json:"prepare_content"`
	Dense   config.Dense  `json:"dense_parameters"`
	Output  ComputeOutput `json:"output"`
}

// ComputeOutput lists the files produced by the compute step.
type ComputeOutput struct {
	DSM              string  `json:"dsm"`
	Quicklook        string  `json:"quicklook,omitempty"`
	Tiles            int     `json:"tiles"`
	Points           int     `json:"points"`
	MinimumDisparity float64 `json:"minimum_disparity"`
	MaximumDisparity float64 `json:"maximum_disparity"`
}

// Write stores the compute document at path.
func (c *ComputeContent) Write(path string) error {
	return writeJSON(path, c)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func absolute(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
