package pipeline

import (
	"fmt"
	"log/slog"

	"stereodsm/internal/errs"
	"stereodsm/internal/geometry"
	"stereodsm/internal/manifest"
	"stereodsm/internal/raster"
)

// checkInputs verifies that both images are mono-band, match their masks
// and the size their models describe. Images carrying a georeference are
// reported since the pipeline expects sensor geometry.
func checkInputs(in *manifest.Input, left, right *geometry.AffineModel, logger *slog.Logger) error {
	logger.Info("checking inputs consistency")
	sides := []struct {
		image, mask string
		model       *geometry.AffineModel
	}{
		{in.Img1, in.Mask1, left},
		{in.Img2, in.Mask2, right},
	}
	for _, s := range sides {
		info, err := raster.Stat(s.image)
		if err != nil {
			return fmt.Errorf("%w: can not open image %s: %v", errs.ErrConfiguration, s.image, err)
		}
		if info.Bands != 1 {
			return fmt.Errorf("%w: %s is not a mono-band image", errs.ErrConfiguration, s.image)
		}
		w, h := s.model.Size()
		if info.Width != w || info.Height != h {
			return fmt.Errorf("%w: image %s is %dx%d but its model describes %dx%d",
				errs.ErrConfiguration, s.image, info.Width, info.Height, w, h)
		}
		if s.mask != "" {
			mi, err := raster.Stat(s.mask)
			if err != nil {
				return fmt.Errorf("%w: can not open mask %s: %v", errs.ErrConfiguration, s.mask, err)
			}
			if mi.Width != info.Width || mi.Height != info.Height {
				return fmt.Errorf("%w: the image %s and the mask %s do not have the same size",
					errs.ErrConfiguration, s.image, s.mask)
			}
		}
		if raster.HasGeoref(s.image) {
			logger.Warn("image seems to have an incoherent pixel size, input images have to be in sensor geometry", "image", s.image)
		}
	}
	return nil
}
