package job

import (
	"path/filepath"
	"strings"
)

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".avi": {}, ".mkv": {}, ".flv": {}, ".wmv": {},
	".webm": {}, ".m4v": {}, ".mpg": {}, ".mpeg": {}, ".3gp": {}, ".ogv": {},
}

var audioExtensions = map[string]struct{}{
	".mp3": {}, ".wav": {}, ".m4a": {}, ".aac": {}, ".ogg": {}, ".flac": {},
	".wma": {}, ".opus": {}, ".oga": {}, ".aiff": {}, ".alac": {},
}

// DetectMediaKind は拡張子からメディア種別を判定する
func DetectMediaKind(filename string) (MediaKind, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := videoExtensions[ext]; ok {
		return MediaKindVideo, nil
	}
	if _, ok := audioExtensions[ext]; ok {
		return MediaKindAudio, nil
	}
	return "", NewValidationError("filename", "has an unsupported media extension "+quoteExt(ext))
}

// ContentTypeFor は拡張子からアップロード時の Content-Type を推定する
func ContentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

func quoteExt(ext string) string {
	if ext == "" {
		return "(none)"
	}
	return "\"" + ext + "\""
}
