// Package orchestrator coordinates one download end to end: request
// validation, the concurrency ceiling, slot allocation, extraction,
// integrity hashing and delivery selection. It is the only package that
// decides between inline and slot-backed delivery.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"go-ytfetch-service/internal/classify"
	"go-ytfetch-service/internal/extractor"
	"go-ytfetch-service/internal/jobstore"
	"go-ytfetch-service/internal/models"
	"go-ytfetch-service/internal/stats"
)

// Options tunes the orchestrator. Zero values are replaced with the
// documented defaults in New.
type Options struct {
	Concurrency    int
	QueueWait      time.Duration
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	ProbeTimeout   time.Duration
	InlineMaxBytes int64
	// AllowedHosts restricts source URLs to these hosts and their
	// subdomains. Empty means any host.
	AllowedHosts []string
}

var allowedFormats = map[string]bool{"mp4": true, "webm": true, "mkv": true}

// Orchestrator runs downloads behind a fixed-size semaphore.
type Orchestrator struct {
	store *jobstore.Store
	ext   extractor.Extractor
	stats *stats.Stats
	sem   chan struct{}
	opts  Options
}

func New(store *jobstore.Store, ext extractor.Extractor, st *stats.Stats, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.QueueWait <= 0 {
		opts.QueueWait = 30 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Hour
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 2 * time.Hour
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 30 * time.Second
	}
	if opts.InlineMaxBytes <= 0 {
		opts.InlineMaxBytes = 50 * 1024 * 1024
	}
	return &Orchestrator{
		store: store,
		ext:   ext,
		stats: st,
		sem:   make(chan struct{}, opts.Concurrency),
		opts:  opts,
	}
}

// validateURL accepts absolute http(s) URLs, optionally restricted to
// the configured hosts.
func (o *Orchestrator) validateURL(raw string) *classify.Error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return classify.NewInvalidURL("video_url must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return classify.NewInvalidURL("video_url must use http or https")
	}
	if len(o.opts.AllowedHosts) > 0 && !hostAllowed(u.Hostname(), o.opts.AllowedHosts) {
		return classify.NewInvalidURL(fmt.Sprintf("host %q is not on the allow-list", u.Hostname()))
	}
	return nil
}

func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, a := range allowed {
		a = strings.ToLower(a)
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// normalizeQuality maps the request's quality label onto the extraction
// allow-list: empty means the service default, unknown labels degrade
// to best rather than failing the request.
func normalizeQuality(quality string) string {
	if quality == "" {
		return "720p"
	}
	if _, ok := extractor.FormatSelector(quality); ok {
		return quality
	}
	return "best"
}

func normalizeFormat(format string) string {
	if allowedFormats[strings.ToLower(format)] {
		return strings.ToLower(format)
	}
	return "mp4"
}

func (o *Orchestrator) clampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return o.opts.DefaultTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d > o.opts.MaxTimeout {
		return o.opts.MaxTimeout
	}
	return d
}

// Download runs one extraction and returns either a success payload or
// a classified error, never both.
func (o *Orchestrator) Download(ctx context.Context, req models.DownloadRequest) (*models.DownloadResponse, *classify.Error) {
	if cerr := o.validateURL(req.VideoURL); cerr != nil {
		return nil, cerr
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	quality := normalizeQuality(req.Quality)
	format := normalizeFormat(req.Format)
	timeout := o.clampTimeout(req.TimeoutSeconds)

	o.stats.DownloadStarted()
	defer o.stats.DownloadFinished()

	logger := log.WithFields(log.Fields{"job_id": jobID, "quality": quality})

	// Bounded queue behind the concurrency ceiling. Waiting out the
	// queue window is an overload signal, not a timeout.
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-time.After(o.opts.QueueWait):
		logger.Warnf("Rejecting download, all %d slots busy for %s", o.opts.Concurrency, o.opts.QueueWait)
		o.stats.DownloadFailed()
		return nil, classify.NewOverloaded()
	case <-ctx.Done():
		o.stats.DownloadFailed()
		return nil, classify.NewServerError("request canceled while queued", ctx.Err().Error())
	}

	dir, err := o.store.Allocate(jobID)
	if err != nil {
		o.stats.DownloadFailed()
		switch {
		case errors.Is(err, jobstore.ErrInvalidJobID):
			return nil, classify.NewInvalidJobID("job_id must not be empty or contain path separators")
		case errors.Is(err, jobstore.ErrDiskFull):
			return nil, classify.NewDiskFull(err.Error())
		default:
			return nil, classify.NewServerError("failed to allocate storage", err.Error())
		}
	}

	logger.Infof("Starting download of %s (timeout: %s)", req.VideoURL, timeout)
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := o.ext.Fetch(fetchCtx, extractor.Request{
		URL:     req.VideoURL,
		Quality: quality,
		Format:  format,
		DestDir: dir,
	})
	if err != nil {
		o.discard(jobID)
		o.stats.DownloadFailed()
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			logger.Warnf("Download timed out after %s", timeout)
			return nil, classify.NewTimeout(fmt.Sprintf("exceeded %s", timeout))
		}
		cerr := classify.Classify(err.Error())
		logger.WithError(err).Warnf("Download failed (%s)", cerr.Kind)
		return nil, cerr
	}

	checksum, err := fileChecksum(res.Path)
	if err != nil {
		o.discard(jobID)
		o.stats.DownloadFailed()
		return nil, classify.NewServerError("failed to verify downloaded file", err.Error())
	}
	meta := res.Metadata
	meta.Checksum = checksum

	if req.PreferBase64 && meta.FileSizeBytes <= o.opts.InlineMaxBytes {
		encoded, err := encodeFile(res.Path, meta.FileSizeBytes)
		if err != nil {
			o.discard(jobID)
			o.stats.DownloadFailed()
			return nil, classify.NewServerError("failed to encode downloaded file", err.Error())
		}
		// Inline delivery leaves nothing behind to expire.
		o.discard(jobID)
		o.stats.DownloadSucceeded()
		logger.Infof("Delivered %q inline (%d bytes)", meta.Title, meta.FileSizeBytes)
		return &models.DownloadResponse{
			Success:  true,
			Method:   models.MethodBase64,
			FileData: encoded,
			Metadata: &meta,
		}, nil
	}

	filename := filepath.Base(res.Path)
	slot, err := o.store.Record(jobID, jobstore.Slot{
		Filename:        filename,
		SizeBytes:       meta.FileSizeBytes,
		Format:          meta.Format,
		Checksum:        checksum,
		Title:           meta.Title,
		DurationSeconds: meta.DurationSeconds,
	})
	if err != nil {
		o.discard(jobID)
		o.stats.DownloadFailed()
		return nil, classify.NewServerError("failed to publish download slot", err.Error())
	}

	o.stats.DownloadSucceeded()
	logger.Infof("Download complete: %q (%d bytes, expires %s)", meta.Title, meta.FileSizeBytes, slot.ExpiresAt.Format(time.RFC3339))

	expires := slot.ExpiresAt
	return &models.DownloadResponse{
		Success:     true,
		Method:      models.MethodURL,
		DownloadURL: fmt.Sprintf("/downloads/%s/%s", jobID, filename),
		ExpiresAt:   &expires,
		Metadata:    &meta,
	}, nil
}

// Probe extracts metadata without touching storage or the semaphore.
func (o *Orchestrator) Probe(ctx context.Context, req models.InfoRequest) (*models.InfoResponse, *classify.Error) {
	if cerr := o.validateURL(req.VideoURL); cerr != nil {
		return nil, cerr
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.opts.ProbeTimeout)
	defer cancel()

	meta, formats, err := o.ext.Probe(probeCtx, req.VideoURL, req.IncludeFormats)
	if err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return nil, classify.NewTimeout(fmt.Sprintf("probe exceeded %s", o.opts.ProbeTimeout))
		}
		cerr := classify.Classify(err.Error())
		log.WithError(err).Warnf("Probe failed (%s)", cerr.Kind)
		return nil, cerr
	}

	return &models.InfoResponse{Success: true, Metadata: meta, Formats: formats}, nil
}

func (o *Orchestrator) discard(jobID string) {
	if err := o.store.Discard(jobID); err != nil {
		log.WithError(err).Warnf("Failed to discard slot %q", jobID)
	}
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	// The extractor subprocess has exited but its writes may still sit
	// in the page cache; flush before the slot becomes resolvable.
	if err := f.Sync(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// encodeFile streams the file through a base64 encoder so the raw
// bytes are never held in memory alongside the encoded form.
func encodeFile(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	b.Grow(base64.StdEncoding.EncodedLen(int(size)))
	enc := base64.NewEncoder(base64.StdEncoding, &b)
	if _, err := io.Copy(enc, f); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return b.String(), nil
}
