// dto.go — JSON-представления ответов API и преобразование доменных моделей.
package handlers

import (
	"time"

	"github.com/BlacIP/photolibrary/internal/domain/model"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/service"
)

// dateLayout — формат даты события в API.
const dateLayout = "2006-01-02"

type headerMediaJSON struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

type clientJSON struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Slug            string           `json:"slug"`
	EventDate       *string          `json:"eventDate,omitempty"`
	Subheading      *string          `json:"subheading,omitempty"`
	Status          string           `json:"status"`
	StatusChangedAt time.Time        `json:"statusChangedAt"`
	HeaderMedia     *headerMediaJSON `json:"headerMedia,omitempty"`
	PhotoCount      *int             `json:"photoCount,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

type clientDetailJSON struct {
	clientJSON
	Photos []photoJSON `json:"photos"`
}

type clientListJSON struct {
	Items  []clientJSON `json:"items"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type photoJSON struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId"`
	StorageID   string    `json:"storageId"`
	URL         string    `json:"url"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"sizeBytes"`
	ContentType string    `json:"contentType,omitempty"`
	UploadedBy  string    `json:"uploadedBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type galleryPhotoJSON struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type galleryJSON struct {
	Name        string             `json:"name"`
	Slug        string             `json:"slug"`
	EventDate   *string            `json:"eventDate,omitempty"`
	Subheading  *string            `json:"subheading,omitempty"`
	HeaderMedia *headerMediaJSON   `json:"headerMedia,omitempty"`
	Available   bool               `json:"available"`
	Photos      []galleryPhotoJSON `json:"photos"`
}

type rejectionJSON struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason"`
}

type fileOutcomeJSON struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	PhotoID   string `json:"photoId,omitempty"`
	StorageID string `json:"storageId,omitempty"`
	URL       string `json:"url,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Error     string `json:"error,omitempty"`
}

type batchResultJSON struct {
	BatchID        string            `json:"batchId"`
	ClientID       string            `json:"clientId"`
	Total          int               `json:"total"`
	Succeeded      int               `json:"succeeded"`
	Failed         int               `json:"failed"`
	PartialFailure bool              `json:"partialFailure"`
	Rejected       []rejectionJSON   `json:"rejected"`
	Files          []fileOutcomeJSON `json:"files"`
}

type batchAcceptedJSON struct {
	BatchID   string          `json:"batchId"`
	ClientID  string          `json:"clientId"`
	Total     int             `json:"total"`
	Rejected  []rejectionJSON `json:"rejected"`
	StatusURL string          `json:"statusUrl"`
}

type batchStatusJSON struct {
	BatchID   string           `json:"batchId"`
	ClientID  string           `json:"clientId"`
	Total     int              `json:"total"`
	Completed int              `json:"completed"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Done      bool             `json:"done"`
	Result    *batchResultJSON `json:"result,omitempty"`
}

type signedUploadJSON struct {
	Folder       string            `json:"folder"`
	StorageID    string            `json:"storageId"`
	UploadURL    string            `json:"uploadUrl"`
	Method       string            `json:"method"`
	Timestamp    int64             `json:"timestamp"`
	Signature    string            `json:"signature"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	Credential   string            `json:"credential"`
	MaxSizeBytes int64             `json:"maxSizeBytes,omitempty"`
	FormFields   map[string]string `json:"formFields,omitempty"`
}

type blobFailureJSON struct {
	ClientID  string `json:"clientId"`
	StorageID string `json:"storageId"`
	Reason    string `json:"reason"`
}

type clientFailureJSON struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason"`
}

type sweepResultJSON struct {
	MovedToRecycleBin []string            `json:"movedToRecycleBin"`
	Purged            []string            `json:"purged"`
	BlobFailures      []blobFailureJSON   `json:"blobFailures"`
	FailedClients     []clientFailureJSON `json:"failedClients"`
	DurationMs        int64               `json:"durationMs"`
}

type statusChangeJSON struct {
	Client        *clientJSON       `json:"client,omitempty"`
	Purged        bool              `json:"purged"`
	RemovedPhotos int64             `json:"removedPhotos"`
	BlobFailures  []blobFailureJSON `json:"blobFailures"`
}

type clientUsageJSON struct {
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
	Status     string `json:"status"`
	MediaCount int64  `json:"mediaCount"`
	Bytes      int64  `json:"bytes"`
}

type externalUsageJSON struct {
	Plan         string  `json:"plan"`
	BytesUsed    int64   `json:"bytesUsed"`
	ObjectCount  int64   `json:"objectCount"`
	CreditsUsed  float64 `json:"creditsUsed"`
	CreditsLimit float64 `json:"creditsLimit"`
	UsedPercent  float64 `json:"usedPercent"`
}

type storageReportJSON struct {
	TotalBytes      int64 `json:"totalBytes"`
	TotalMediaCount int64 `json:"totalMediaCount"`
	ByStatus        struct {
		Active   int64 `json:"active"`
		Archived int64 `json:"archived"`
		Deleted  int64 `json:"deleted"`
	} `json:"byStatus"`
	ByClient      []clientUsageJSON  `json:"byClient"`
	External      *externalUsageJSON `json:"external,omitempty"`
	ExternalError *string            `json:"externalError,omitempty"`
}

type backfillJSON struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

type reconcileIssueJSON struct {
	Type      string `json:"type"`
	StorageID string `json:"storageId"`
	PhotoID   string `json:"photoId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	Deleted   bool   `json:"deleted"`
}

type reconcileJSON struct {
	StartedAt     time.Time            `json:"startedAt"`
	CompletedAt   time.Time            `json:"completedAt"`
	BlobsChecked  int                  `json:"blobsChecked"`
	PhotosChecked int                  `json:"photosChecked"`
	Orphaned      int                  `json:"orphaned"`
	Missing       int                  `json:"missing"`
	Deleted       int                  `json:"deleted"`
	Consistent    bool                 `json:"consistent"`
	Issues        []reconcileIssueJSON `json:"issues"`
}

// --- Преобразования ---

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func headerMediaToJSON(h *model.HeaderMedia) *headerMediaJSON {
	if h == nil {
		return nil
	}
	return &headerMediaJSON{URL: h.URL, Kind: string(h.Kind)}
}

func clientToJSON(c *model.Client) clientJSON {
	return clientJSON{
		ID:              c.ID,
		Name:            c.Name,
		Slug:            c.Slug,
		EventDate:       formatDate(c.EventDate),
		Subheading:      c.Subheading,
		Status:          string(c.Status),
		StatusChangedAt: c.StatusChangedAt,
		HeaderMedia:     headerMediaToJSON(c.HeaderMedia),
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func summaryToJSON(s *model.ClientSummary) clientJSON {
	j := clientToJSON(&s.Client)
	count := s.PhotoCount
	j.PhotoCount = &count
	return j
}

func photoToJSON(p *model.Photo) photoJSON {
	return photoJSON{
		ID:          p.ID,
		ClientID:    p.ClientID,
		StorageID:   p.StorageID,
		URL:         p.URL,
		Filename:    p.Filename,
		SizeBytes:   p.SizeBytes,
		ContentType: p.ContentType,
		UploadedBy:  p.UploadedBy,
		CreatedAt:   p.CreatedAt,
	}
}

func photosToJSON(photos []*model.Photo) []photoJSON {
	out := make([]photoJSON, 0, len(photos))
	for _, p := range photos {
		out = append(out, photoToJSON(p))
	}
	return out
}

func galleryToJSON(g *model.Gallery) galleryJSON {
	out := galleryJSON{
		Name:        g.Name,
		Slug:        g.Slug,
		EventDate:   formatDate(g.EventDate),
		Subheading:  g.Subheading,
		HeaderMedia: headerMediaToJSON(g.HeaderMedia),
		Available:   g.Available,
		Photos:      make([]galleryPhotoJSON, 0, len(g.Photos)),
	}
	for _, p := range g.Photos {
		out.Photos = append(out.Photos, galleryPhotoJSON{ID: p.ID, URL: p.URL, Filename: p.Filename})
	}
	return out
}

func rejectionsToJSON(rs []service.Rejection) []rejectionJSON {
	out := make([]rejectionJSON, 0, len(rs))
	for _, r := range rs {
		out = append(out, rejectionJSON{Name: r.Name, SizeBytes: r.SizeBytes, Code: r.Code, Reason: r.Reason})
	}
	return out
}

func batchResultToJSON(r *service.BatchResult) *batchResultJSON {
	out := &batchResultJSON{
		BatchID:        r.BatchID,
		ClientID:       r.ClientID,
		Total:          r.Total,
		Succeeded:      r.Succeeded,
		Failed:         r.Failed,
		PartialFailure: r.PartialFailure(),
		Rejected:       rejectionsToJSON(r.Rejected),
		Files:          make([]fileOutcomeJSON, 0, len(r.Outcomes)),
	}
	for _, o := range r.Outcomes {
		out.Files = append(out.Files, fileOutcomeJSON{
			Name:      o.Name,
			OK:        o.OK,
			PhotoID:   o.PhotoID,
			StorageID: o.StorageID,
			URL:       o.URL,
			SizeBytes: o.SizeBytes,
			ErrorCode: o.ErrorCode,
			Error:     o.Error,
		})
	}
	return out
}

func signedUploadToJSON(s *objectstore.SignedUpload) signedUploadJSON {
	return signedUploadJSON{
		Folder:       s.Folder,
		StorageID:    s.StorageID,
		UploadURL:    s.UploadURL,
		Method:       s.Method,
		Timestamp:    s.Timestamp,
		Signature:    s.Signature,
		ExpiresAt:    s.ExpiresAt,
		Credential:   s.Credential,
		MaxSizeBytes: s.MaxSizeBytes,
		FormFields:   s.FormFields,
	}
}

func blobFailuresToJSON(fs []service.BlobFailure) []blobFailureJSON {
	out := make([]blobFailureJSON, 0, len(fs))
	for _, f := range fs {
		out = append(out, blobFailureJSON{ClientID: f.ClientID, StorageID: f.StorageID, Reason: f.Reason})
	}
	return out
}

func sweepResultToJSON(r *service.SweepResult) sweepResultJSON {
	out := sweepResultJSON{
		MovedToRecycleBin: nonNil(r.MovedToRecycleBin),
		Purged:            nonNil(r.Purged),
		BlobFailures:      blobFailuresToJSON(r.BlobFailures),
		FailedClients:     make([]clientFailureJSON, 0, len(r.FailedClients)),
		DurationMs:        r.Duration.Milliseconds(),
	}
	for _, f := range r.FailedClients {
		out.FailedClients = append(out.FailedClients, clientFailureJSON{ClientID: f.ClientID, Reason: f.Reason})
	}
	return out
}

func statusChangeToJSON(c *service.StatusChange) statusChangeJSON {
	out := statusChangeJSON{
		Purged:        c.Purged,
		RemovedPhotos: c.RemovedPhotos,
		BlobFailures:  blobFailuresToJSON(c.BlobFailures),
	}
	if c.Client != nil {
		j := clientToJSON(c.Client)
		out.Client = &j
	}
	return out
}

func storageReportToJSON(r *model.StorageReport) storageReportJSON {
	out := storageReportJSON{
		TotalBytes:      r.TotalBytes,
		TotalMediaCount: r.TotalMediaCount,
		ByClient:        make([]clientUsageJSON, 0, len(r.ByClient)),
	}
	out.ByStatus.Active = r.ByStatus.Active
	out.ByStatus.Archived = r.ByStatus.Archived
	out.ByStatus.Deleted = r.ByStatus.Deleted
	for _, u := range r.ByClient {
		out.ByClient = append(out.ByClient, clientUsageJSON{
			ClientID:   u.ClientID,
			ClientName: u.ClientName,
			Status:     string(u.Status),
			MediaCount: u.MediaCount,
			Bytes:      u.Bytes,
		})
	}
	if r.External != nil {
		out.External = &externalUsageJSON{
			Plan:         r.External.Plan,
			BytesUsed:    r.External.BytesUsed,
			ObjectCount:  r.External.ObjectCount,
			CreditsUsed:  r.External.CreditsUsed,
			CreditsLimit: r.External.CreditsLimit,
			UsedPercent:  r.External.UsedPercent,
		}
	}
	if r.ExternalError != nil {
		msg := r.ExternalError.Message
		out.ExternalError = &msg
	}
	return out
}

func reconcileToJSON(r *service.ReconcileReport) reconcileJSON {
	out := reconcileJSON{
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		BlobsChecked:  r.BlobsChecked,
		PhotosChecked: r.PhotosChecked,
		Orphaned:      r.Orphaned,
		Missing:       r.Missing,
		Deleted:       r.Deleted,
		Consistent:    r.Err() == nil,
		Issues:        make([]reconcileIssueJSON, 0, len(r.Issues)),
	}
	for _, i := range r.Issues {
		out.Issues = append(out.Issues, reconcileIssueJSON{
			Type:      i.Type,
			StorageID: i.StorageID,
			PhotoID:   i.PhotoID,
			ClientID:  i.ClientID,
			SizeBytes: i.SizeBytes,
			Deleted:   i.Deleted,
		})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
