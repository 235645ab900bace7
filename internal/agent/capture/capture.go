// Package capture turns raw camera bytes into OfflinePhoto records:
// it pulls GPS and timestamp out of EXIF and renders an inline preview.
package capture

import (
	"bytes"
	"context"
	"image/jpeg"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/haztrack/surveysync/internal/agent/models"
	"github.com/haztrack/surveysync/internal/logging"
)

// previewMaxDim bounds the longer side of the inline thumbnail.
const previewMaxDim = 320

// previewQuality is the JPEG quality of the thumbnail.
const previewQuality = 75

// Ingestor builds photo records from raw image bytes.
type Ingestor struct {
	log logging.Logger
	now func() time.Time
}

func NewIngestor(log logging.Logger) *Ingestor {
	return &Ingestor{
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Ingest builds an OfflinePhoto from camera bytes. EXIF is best effort:
// photos without usable metadata still ingest, with TakenAt falling back
// to the current time and GPS left unset. Bytes that do not decode as an
// image still ingest too, without a preview; the blob is the record of
// truth and must never be dropped over presentation trouble.
func (i *Ingestor) Ingest(ctx context.Context, surveyID, category, location, caption string, blob []byte) *models.OfflinePhoto {
	photo := &models.OfflinePhoto{
		ID:       uuid.NewString(),
		SurveyID: surveyID,
		Blob:     blob,
		Category: category,
		Location: location,
		Caption:  caption,
		TakenAt:  i.now(),
		Status:   models.UploadStatusPending,
	}

	if x, err := exif.Decode(bytes.NewReader(blob)); err == nil {
		if ts, err := x.DateTime(); err == nil {
			photo.TakenAt = ts.UTC()
		}
		if lat, lon, err := x.LatLong(); err == nil {
			photo.GPS = &models.GeoPoint{Lat: lat, Lon: lon}
		}
	} else {
		i.log.Debug(ctx, "no exif metadata", "photo", photo.ID, "error", err)
	}

	if preview, err := renderPreview(blob); err == nil {
		photo.Preview = preview
	} else {
		i.log.Debug(ctx, "preview generation skipped", "photo", photo.ID, "error", err)
	}

	return photo
}

func renderPreview(blob []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(blob), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	thumb := imaging.Fit(img, previewMaxDim, previewMaxDim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: previewQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
