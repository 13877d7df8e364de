// Package media stores downloaded attachments and finds local media paths
// in agent replies.
package media

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Kind classifies a local media file.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
	KindVoice Kind = "voice"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".m4v": true, ".webm": true,
}

// Voice clips in a format the provider plays natively.
var voiceExts = map[string]bool{".silk": true, ".amr": true}

// Non-image extensions sent as files (video included; sent via the video path).
var fileExts = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".txt": true, ".md": true, ".csv": true,
	".json": true, ".xml": true, ".html": true, ".zip": true, ".rar": true,
	".7z": true, ".tar": true, ".gz": true, ".mp3": true, ".wav": true,
	".m4a": true, ".silk": true, ".amr": true, ".apk": true,
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".m4v": true, ".webm": true,
}

func ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// IsImage reports whether path has an image extension.
func IsImage(path string) bool { return imageExts[ext(path)] }

// IsVideo reports whether path has a video extension.
func IsVideo(path string) bool { return videoExts[ext(path)] }

// IsVoice reports whether path is a native voice clip.
func IsVoice(path string) bool { return voiceExts[ext(path)] }

// IsFile reports whether path has a sendable non-image extension.
func IsFile(path string) bool { return fileExts[ext(path)] }

// KindOf classifies path by extension.
func KindOf(path string) Kind {
	switch {
	case IsImage(path):
		return KindImage
	case IsVideo(path):
		return KindVideo
	case IsVoice(path):
		return KindVoice
	default:
		return KindFile
	}
}

// DetectMIME returns the MIME type from magic bytes (not file extension)
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// DetectMimeType detects a file's MIME type from its content, falling back
// to the extension when the content is not recognized.
func DetectMimeType(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	if mt.Is("application/octet-stream") || mt.Is("text/plain") {
		if byExt := mimeFromExtension(path); byExt != "" {
			return byExt, nil
		}
	}
	return mt.String(), nil
}

// ExtensionFor picks a file extension: the one in name if any, else one
// derived from the content.
func ExtensionFor(data []byte, name string) string {
	if e := ext(name); e != "" && len(e) <= 8 {
		return e
	}
	if e := mimetype.Detect(data).Extension(); e != "" {
		return e
	}
	return ".bin"
}

// mimeFromExtension returns MIME type based on file extension.
func mimeFromExtension(path string) string {
	switch ext(path) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".md":
		return "text/plain"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return ""
	}
}

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
