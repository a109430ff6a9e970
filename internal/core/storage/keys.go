package storage

import (
	"errors"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// オブジェクトキーのプレフィックス規約
// ライフサイクル管理はこの規約でジョブとの所有関係を判定する
const (
	UploadsPrefix = "uploads/"
	AudioPrefix   = "audio/"
	ClipsPrefix   = "clips/"

	audioFileName = "audio.mp3"
	clipFileName  = "clip.mp4"
)

// 最終成果物に付与するユーザーメタデータのキー
const (
	FinalOutputMetadataKey = "Clipline-Final-Output"
	JobIDMetadataKey       = "Clipline-Job-Id"
	SegmentIDMetadataKey   = "Clipline-Segment-Id"

	userMetadataHeaderPrefix = "x-amz-meta-"
)

// ErrObjectNotFound は指定キーのオブジェクトが存在しない場合のエラー
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo はオブジェクト一覧・メタデータ取得の結果
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	UserMetadata map[string]string
}

// IncompleteUpload は完了していないマルチパートアップロード
type IncompleteUpload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// CompletedPart はマルチパート完了時に渡すパート
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// UploadKey はジョブの元メディアを置くキーを返す
func UploadKey(jobID uuid.UUID, filename string) string {
	return UploadsPrefix + jobID.String() + "/" + SanitizeFilename(filename)
}

// AudioKey は抽出した音声トラックのキーを返す
func AudioKey(jobID uuid.UUID) string {
	return AudioPrefix + jobID.String() + "/" + audioFileName
}

// ClipKey はセグメントのレンダリング結果を置くキーを返す
func ClipKey(jobID, segmentID uuid.UUID) string {
	return ClipsPrefix + jobID.String() + "/" + segmentID.String() + "/" + clipFileName
}

// IntermediatePrefixes はジョブの中間成果物が置かれるプレフィックスを返す
// clips/ 配下は含まない
func IntermediatePrefixes(jobID uuid.UUID) []string {
	return []string{
		UploadsPrefix + jobID.String() + "/",
		AudioPrefix + jobID.String() + "/",
	}
}

// SanitizeFilename はパス要素を取り除き、キーとして安全な文字だけを残す
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "upload"
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	sanitized := strings.Trim(b.String(), "._")
	if sanitized == "" {
		return "upload"
	}
	return sanitized
}

// FinalOutputMetadata は最終成果物の書き込み時に付与するメタデータを返す
func FinalOutputMetadata(jobID, segmentID uuid.UUID) map[string]string {
	return map[string]string{
		FinalOutputMetadataKey: "true",
		JobIDMetadataKey:       jobID.String(),
		SegmentIDMetadataKey:   segmentID.String(),
	}
}

// IsFinalOutput はメタデータに最終成果物タグが付いているかを判定する
// ストアによってはキーに x-amz-meta- が付いたまま返るため両方を受け付ける
func IsFinalOutput(metadata map[string]string) bool {
	for k, v := range metadata {
		key := strings.ToLower(k)
		key = strings.TrimPrefix(key, userMetadataHeaderPrefix)
		if key == strings.ToLower(FinalOutputMetadataKey) && strings.EqualFold(v, "true") {
			return true
		}
	}
	return false
}
