// Package extractor wraps the yt-dlp binary: quality selection,
// anti-bot client identity, optional cookies and the optional PO-token
// sidecar. It writes one media file per invocation into a caller-owned
// directory, or returns raw failure text for classification upstream.
package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"go-ytfetch-service/internal/models"
)

// Request describes one fetch invocation. DestDir must exist; the
// produced file is named video.<ext> inside it.
type Request struct {
	URL     string
	Quality string
	Format  string
	DestDir string
}

// Result is a successful fetch: the produced file and its metadata.
type Result struct {
	Path     string
	Metadata models.VideoMetadata
}

// Extractor is the extraction collaborator contract.
type Extractor interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
	Probe(ctx context.Context, videoURL string, includeFormats bool) (*models.VideoMetadata, []models.FormatInfo, error)
}

// qualityFormats maps quality labels onto yt-dlp format selectors.
var qualityFormats = map[string]string{
	"360p":  "bestvideo[height<=360][ext=mp4]+bestaudio[ext=m4a]/best[height<=360][ext=mp4]/best",
	"480p":  "bestvideo[height<=480][ext=mp4]+bestaudio[ext=m4a]/best[height<=480][ext=mp4]/best",
	"720p":  "bestvideo[height<=720][ext=mp4]+bestaudio[ext=m4a]/best[height<=720][ext=mp4]/best",
	"1080p": "bestvideo[height<=1080][ext=mp4]+bestaudio[ext=m4a]/best[height<=1080][ext=mp4]/best",
	"best":  "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
}

// FormatSelector returns the yt-dlp selector for a quality label and
// whether the label is on the allow-list.
func FormatSelector(quality string) (string, bool) {
	sel, ok := qualityFormats[quality]
	return sel, ok
}

// Options configures the yt-dlp wrapper.
type Options struct {
	BinaryPath string
	UserAgent  string
	// CookiesB64 is base64-encoded Netscape cookie material; it is
	// materialised to a temp file once at startup.
	CookiesB64 string
	// POTokenURL is the bot-evasion sidecar base URL; empty disables it.
	POTokenURL string
}

// YtDlp shells out to the yt-dlp binary.
type YtDlp struct {
	binary      string
	userAgent   string
	cookiesFile string
	poTokenURL  string
	sidecarUp   bool
}

// NewYtDlp prepares the wrapper. Missing cookies or an unreachable
// sidecar degrade the configuration, they never fail startup.
func NewYtDlp(opts Options) *YtDlp {
	y := &YtDlp{
		binary:     opts.BinaryPath,
		userAgent:  opts.UserAgent,
		poTokenURL: opts.POTokenURL,
	}
	if y.binary == "" {
		y.binary = "yt-dlp"
	}

	if opts.CookiesB64 != "" {
		if path, err := writeCookiesFile(opts.CookiesB64); err != nil {
			log.WithError(err).Error("Failed to load cookies, continuing without them")
		} else {
			y.cookiesFile = path
			log.Info("Cookies loaded for extraction")
		}
	} else {
		log.Warn("Running without cookies, downloads may fail due to bot detection")
	}

	if y.poTokenURL != "" {
		y.sidecarUp = probeSidecar(y.poTokenURL)
		if y.sidecarUp {
			log.Infof("PO-token sidecar reachable at %s", y.poTokenURL)
		} else {
			log.Warnf("PO-token sidecar at %s unreachable, running degraded", y.poTokenURL)
		}
	}

	return y
}

func writeCookiesFile(cookiesB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cookiesB64))
	if err != nil {
		return "", fmt.Errorf("decoding cookie material: %w", err)
	}
	f, err := os.CreateTemp("", "ytfetch-cookies-*.txt")
	if err != nil {
		return "", fmt.Errorf("creating cookies file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing cookies file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing cookies file: %w", err)
	}
	return f.Name(), nil
}

// probeSidecar checks the sidecar port once at startup. Absence is a
// degraded mode, not an error.
func probeSidecar(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}
	conn, err := net.DialTimeout("tcp", host, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// SidecarAvailable reports whether the PO-token sidecar answered the
// startup probe.
func (y *YtDlp) SidecarAvailable() bool {
	return y.sidecarUp
}

func buildFetchArgs(req Request, userAgent, cookiesFile, poTokenURL string) []string {
	selector, ok := qualityFormats[req.Quality]
	if !ok {
		selector = qualityFormats["best"]
	}

	args := []string{
		"--no-warnings",
		"--no-progress",
		"--print-json",
		"--retries", "2",
		"--fragment-retries", "2",
		"--user-agent", userAgent,
		"--add-header", "Accept-Language:en-US,en;q=0.9",
		"--merge-output-format", req.Format,
		"-f", selector,
		"-o", filepath.Join(req.DestDir, "video.%(ext)s"),
		"--extractor-args", "youtube:player_client=ios;player_skip=webpage",
	}
	if cookiesFile != "" {
		args = append(args, "--cookies", cookiesFile)
	}
	if poTokenURL != "" {
		args = append(args, "--extractor-args", "youtubepot-bgutilhttp:base_url="+poTokenURL)
	}
	return append(args, req.URL)
}

func buildProbeArgs(videoURL, userAgent, cookiesFile, poTokenURL string) []string {
	args := []string{
		"--no-warnings",
		"--dump-single-json",
		"--user-agent", userAgent,
		"--extractor-args", "youtube:player_client=ios,tv_embedded,mweb",
	}
	if cookiesFile != "" {
		args = append(args, "--cookies", cookiesFile)
	}
	if poTokenURL != "" {
		args = append(args, "--extractor-args", "youtubepot-bgutilhttp:base_url="+poTokenURL)
	}
	return append(args, videoURL)
}

// ytdlpInfo is the slice of yt-dlp's info JSON this service reads.
type ytdlpInfo struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Duration       float64       `json:"duration"`
	Width          int           `json:"width"`
	Height         int           `json:"height"`
	Filesize       int64         `json:"filesize"`
	FilesizeApprox int64         `json:"filesize_approx"`
	Ext            string        `json:"ext"`
	ChannelID      string        `json:"channel_id"`
	Channel        string        `json:"channel"`
	Uploader       string        `json:"uploader"`
	UploadDate     string        `json:"upload_date"`
	ViewCount      int64         `json:"view_count"`
	LikeCount      int64         `json:"like_count"`
	IsLive         bool          `json:"is_live"`
	Formats        []ytdlpFormat `json:"formats"`
}

type ytdlpFormat struct {
	FormatID   string `json:"format_id"`
	Ext        string `json:"ext"`
	Resolution string `json:"resolution"`
	FormatNote string `json:"format_note"`
	Filesize   int64  `json:"filesize"`
	VCodec     string `json:"vcodec"`
	ACodec     string `json:"acodec"`
}

func (i *ytdlpInfo) toMetadata() models.VideoMetadata {
	title := i.Title
	if title == "" {
		title = "Unknown"
	}
	size := i.Filesize
	if size == 0 {
		size = i.FilesizeApprox
	}
	format := i.Ext
	if format == "" {
		format = "mp4"
	}
	channel := i.Channel
	if channel == "" {
		channel = i.Uploader
	}
	return models.VideoMetadata{
		Title:           title,
		DurationSeconds: i.Duration,
		Width:           i.Width,
		Height:          i.Height,
		FileSizeBytes:   size,
		Format:          format,
		VideoID:         i.ID,
		ChannelID:       i.ChannelID,
		ChannelName:     channel,
		UploadDate:      i.UploadDate,
		ViewCount:       i.ViewCount,
		LikeCount:       i.LikeCount,
		IsLive:          i.IsLive,
	}
}

// parseInfo reads the last JSON object line printed by yt-dlp.
func parseInfo(stdout []byte) (*ytdlpInfo, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var info ytdlpInfo
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			return nil, fmt.Errorf("parsing yt-dlp info JSON: %w", err)
		}
		return &info, nil
	}
	return nil, fmt.Errorf("yt-dlp returned no info")
}

// failureText extracts the raw failure for the classifier: stderr if
// present, the exec error otherwise, capped for diagnostics.
func failureText(stderr []byte, err error) string {
	text := strings.TrimSpace(string(stderr))
	if text == "" {
		text = err.Error()
	}
	if len(text) > 2000 {
		text = text[len(text)-2000:]
	}
	return text
}

// Fetch downloads one video into req.DestDir. Cancellation of ctx kills
// the subprocess; the raw stderr text of any other failure is preserved
// in the returned error for classification.
func (y *YtDlp) Fetch(ctx context.Context, req Request) (*Result, error) {
	args := buildFetchArgs(req, y.userAgent, y.cookiesFile, y.poTokenURL)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("Invoking %s for %s (quality=%s)", y.binary, req.URL, req.Quality)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("yt-dlp aborted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("yt-dlp failed: %s", failureText(stderr.Bytes(), err))
	}

	info, err := parseInfo(stdout.Bytes())
	if err != nil {
		return nil, err
	}

	path, err := locateOutput(req.DestDir, req.Format)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file not found on disk after download: %w", err)
	}

	meta := info.toMetadata()
	meta.FileSizeBytes = fi.Size()
	meta.Format = strings.TrimPrefix(filepath.Ext(path), ".")

	return &Result{Path: path, Metadata: meta}, nil
}

// locateOutput finds the produced file. yt-dlp may save under a
// different extension than requested; fall back to the largest
// video.* in the directory.
func locateOutput(destDir, format string) (string, error) {
	expected := filepath.Join(destDir, "video."+format)
	if _, err := os.Stat(expected); err == nil {
		return expected, nil
	}

	candidates, err := filepath.Glob(filepath.Join(destDir, "video.*"))
	if err != nil {
		return "", fmt.Errorf("scanning output directory: %w", err)
	}

	var best string
	var bestSize int64 = -1
	for _, c := range candidates {
		if strings.HasSuffix(c, ".part") {
			continue
		}
		fi, err := os.Stat(c)
		if err != nil {
			continue
		}
		if fi.Size() > bestSize {
			best = c
			bestSize = fi.Size()
		}
	}
	if best == "" {
		return "", fmt.Errorf("file not found on disk after download")
	}
	return best, nil
}

// Probe extracts metadata without downloading.
func (y *YtDlp) Probe(ctx context.Context, videoURL string, includeFormats bool) (*models.VideoMetadata, []models.FormatInfo, error) {
	args := buildProbeArgs(videoURL, y.userAgent, y.cookiesFile, y.poTokenURL)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("yt-dlp aborted: %w", ctx.Err())
		}
		return nil, nil, fmt.Errorf("yt-dlp failed: %s", failureText(stderr.Bytes(), err))
	}

	info, err := parseInfo(stdout.Bytes())
	if err != nil {
		return nil, nil, err
	}

	meta := info.toMetadata()

	var formats []models.FormatInfo
	if includeFormats {
		for _, f := range info.Formats {
			formats = append(formats, models.FormatInfo{
				ID:            f.FormatID,
				Ext:           f.Ext,
				Resolution:    f.Resolution,
				Note:          f.FormatNote,
				FilesizeBytes: f.Filesize,
				VCodec:        f.VCodec,
				ACodec:        f.ACodec,
			})
		}
	}

	return &meta, formats, nil
}
