package models

import "time"

// UploadStatus tracks a photo's journey to object storage.
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusUploaded  UploadStatus = "uploaded"
	UploadStatusError     UploadStatus = "error"
)

// GeoPoint is a GPS coordinate pair extracted from EXIF at capture time.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// OfflinePhoto is a photo captured against a survey. The blob is immutable
// after capture; only metadata and status fields change. The row is kept
// locally until the owning survey is fully synced, so the technician can
// re-view it before final purge.
type OfflinePhoto struct {
	// ID is a globally unique, client-generated identifier. The remote
	// object key is derived from it, which makes retried uploads
	// deduplicate server-side.
	ID string

	// SurveyID references the owning OfflineSurvey.
	SurveyID string

	// Blob is the original image bytes. Nil after a quota purge of an
	// already-uploaded photo (RemoteURL remains usable).
	Blob []byte

	// Preview is a small inline thumbnail, generated at capture time.
	Preview []byte

	// Category tags the photo (e.g. hazard type).
	Category string

	// Location is free-text placement within the property.
	Location string

	// Caption is free-text entered by the technician.
	Caption string

	// GPS is the capture coordinate, when EXIF carried one.
	GPS *GeoPoint

	// TakenAt is the capture timestamp in UTC.
	TakenAt time.Time

	// Status reflects upload progress; see UploadStatus.
	Status UploadStatus

	// RemoteURL is the durable object URL once uploaded.
	RemoteURL string

	// LastError holds detail when Status is error.
	LastError string
}

// PhotoRegistration is the wire payload announcing an uploaded photo to the
// survey service. The blob is not in here; the server fetches it from the
// object store via URL if it ever needs it.
type PhotoRegistration struct {
	ID       string    `json:"id"`
	SurveyID string    `json:"survey_id"`
	Category string    `json:"category,omitempty"`
	Location string    `json:"location,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	GPS      *GeoPoint `json:"gps,omitempty"`
	TakenAt  time.Time `json:"taken_at"`
	URL      string    `json:"url"`
}
