package models

import (
	"time"

	"go-ytfetch-service/internal/classify"
)

// Delivery methods for a completed download.
const (
	MethodURL    = "url"
	MethodBase64 = "base64"
)

// DownloadRequest is the body of a download call. JobID is optional; a
// generated identifier is used when absent. TimeoutSeconds is clamped
// to the configured maximum.
type DownloadRequest struct {
	VideoURL       string `json:"video_url"`
	JobID          string `json:"job_id,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Format         string `json:"format,omitempty"`
	PreferBase64   bool   `json:"prefer_base64,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// InfoRequest is the body of a metadata-only probe call.
type InfoRequest struct {
	VideoURL       string `json:"video_url"`
	IncludeFormats bool   `json:"include_formats,omitempty"`
}

// VideoMetadata describes an extracted video.
type VideoMetadata struct {
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	FileSizeBytes   int64   `json:"file_size_bytes,omitempty"`
	Format          string  `json:"format"`
	VideoID         string  `json:"video_id,omitempty"`
	ChannelID       string  `json:"channel_id,omitempty"`
	ChannelName     string  `json:"channel_name,omitempty"`
	UploadDate      string  `json:"upload_date,omitempty"`
	ViewCount       int64   `json:"view_count,omitempty"`
	LikeCount       int64   `json:"like_count,omitempty"`
	IsLive          bool    `json:"is_live,omitempty"`
	Checksum        string  `json:"checksum,omitempty"`
}

// FormatInfo is one entry of the expanded format list returned by a
// probe with IncludeFormats set.
type FormatInfo struct {
	ID            string `json:"format_id"`
	Ext           string `json:"ext"`
	Resolution    string `json:"resolution,omitempty"`
	Note          string `json:"format_note,omitempty"`
	FilesizeBytes int64  `json:"filesize_bytes,omitempty"`
	VCodec        string `json:"vcodec,omitempty"`
	ACodec        string `json:"acodec,omitempty"`
}

// DownloadResponse is the success payload of a download call. Method
// selects which of DownloadURL/FileData is populated.
type DownloadResponse struct {
	Success     bool           `json:"success"`
	Method      string         `json:"method"`
	DownloadURL string         `json:"download_url,omitempty"`
	FileData    string         `json:"file_data,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Metadata    *VideoMetadata `json:"metadata"`
}

// InfoResponse is the success payload of a probe call.
type InfoResponse struct {
	Success  bool           `json:"success"`
	Metadata *VideoMetadata `json:"metadata"`
	Formats  []FormatInfo   `json:"formats,omitempty"`
}

// ErrorResponse is the payload of every failed call.
type ErrorResponse struct {
	Success bool            `json:"success"`
	Error   *classify.Error `json:"error"`
}

// HealthStats carries the service counters plus disk utilisation.
type HealthStats struct {
	TotalDownloads   int64   `json:"total_downloads"`
	ActiveDownloads  int64   `json:"active_downloads"`
	FailedDownloads  int64   `json:"failed_downloads"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
}

// HealthResponse is the health boundary payload.
type HealthResponse struct {
	Status        string      `json:"status"`
	Version       string      `json:"version"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Stats         HealthStats `json:"stats"`
}
