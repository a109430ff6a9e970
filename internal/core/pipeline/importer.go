package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/storage"
)

// ImportSource は取り込み元の種別
type ImportSource string

const (
	ImportSourceDirect  ImportSource = "direct"
	ImportSourceGDrive  ImportSource = "gdrive"
	ImportSourceDropbox ImportSource = "dropbox"
)

// 取り込み元からファイル名を得られなかった場合の名前
const (
	defaultImportVideoName = "video.mp4"
	defaultImportAudioName = "audio.mp3"
)

var (
	// ErrImportUnavailable は URL 取り込みが設定されていない場合のエラー
	ErrImportUnavailable = errors.New("url import is not configured")

	// ErrImportFetch は取り込み元からの取得に失敗した場合のエラー
	ErrImportFetch = errors.New("failed to fetch import source")

	errSourceTooLarge = errors.New("import source exceeds the size limit")
)

var gdriveFilePath = regexp.MustCompile(`/d/([A-Za-z0-9_-]+)`)

// ImportParams は URL 取り込みの入力
type ImportParams struct {
	URL    string
	Config job.Config
}

// ImportTarget は取り込み元 URL を解決した結果
type ImportTarget struct {
	Source      ImportSource
	OriginalURL string
	DownloadURL string
}

// ResolveImportURL は共有リンクを直接ダウンロードできる URL に変換する
// 動画配信サービス（YouTube など）のページは受け付けない
func ResolveImportURL(raw string) (*ImportTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, job.NewValidationError("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, job.NewValidationError("url", "is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, job.NewValidationError("url", "must use http or https")
	}

	target := &ImportTarget{Source: ImportSourceDirect, OriginalURL: raw, DownloadURL: u.String()}

	host := strings.ToLower(u.Hostname())
	switch {
	case hostIs(host, "youtube.com"), hostIs(host, "youtu.be"):
		return nil, job.NewValidationError("url", "youtube import is not supported")
	case hostIs(host, "drive.google.com"):
		id := gdriveFileID(u)
		if id == "" {
			return nil, job.NewValidationError("url", "does not contain a Google Drive file id")
		}
		target.Source = ImportSourceGDrive
		// confirm=t でウイルススキャンの確認ページを飛ばす
		target.DownloadURL = "https://drive.google.com/uc?" + url.Values{
			"export":  {"download"},
			"id":      {id},
			"confirm": {"t"},
		}.Encode()
	case hostIs(host, "dropbox.com"), hostIs(host, "dropboxusercontent.com"):
		target.Source = ImportSourceDropbox
		target.DownloadURL = dropboxDirectURL(u)
	}
	return target, nil
}

func hostIs(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func gdriveFileID(u *url.URL) string {
	if m := gdriveFilePath.FindStringSubmatch(u.Path); m != nil {
		return m[1]
	}
	return u.Query().Get("id")
}

// dropboxDirectURL は共有リンクを dl=1 のダウンロードリンクにする
func dropboxDirectURL(u *url.URL) string {
	direct := *u
	q := direct.Query()
	q.Set("dl", "1")
	direct.RawQuery = q.Encode()

	switch strings.ToLower(direct.Host) {
	case "dropbox.com", "www.dropbox.com":
		direct.Host = "dl.dropboxusercontent.com"
	}
	return direct.String()
}

// importFilename は取り込んだメディアの名前を決める
// Content-Disposition、元の URL、ダウンロード URL の順に拡張子の分かる名前を探す
func importFilename(obj *RemoteObject, target *ImportTarget) string {
	for _, name := range []string{obj.Filename, urlBase(target.OriginalURL), urlBase(target.DownloadURL)} {
		if name == "" {
			continue
		}
		if _, err := job.DetectMediaKind(name); err == nil {
			return name
		}
	}
	if strings.HasPrefix(strings.ToLower(obj.ContentType), "audio/") {
		return defaultImportAudioName
	}
	return defaultImportVideoName
}

func urlBase(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return ""
	}
	return path.Base(u.Path)
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}

// sizeLimitReader は上限を超えて読み出すとエラーを返す
type sizeLimitReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *sizeLimitReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, errSourceTooLarge
	}
	return n, err
}

// ImportFromURL は外部 URL のメディアをストアへ取り込み、ジョブを作成する
// 本文はローカルに保存せずストアへそのまま流す
func (s *Service) ImportFromURL(ctx context.Context, params ImportParams) (*job.Job, error) {
	if s.fetcher == nil {
		return nil, ErrImportUnavailable
	}

	target, err := ResolveImportURL(params.URL)
	if err != nil {
		return nil, err
	}
	if err := params.Config.WithDefaults().Validate(); err != nil {
		return nil, err
	}

	obj, err := s.fetcher.Fetch(ctx, target.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImportFetch, err)
	}
	defer obj.Body.Close()

	if isHTML(obj.ContentType) {
		return nil, fmt.Errorf("%w: source returned an HTML page instead of media", ErrImportFetch)
	}
	if obj.Size == 0 {
		return nil, job.NewValidationError("url", "source is empty")
	}
	if s.importMaxSize > 0 && obj.Size > s.importMaxSize {
		return nil, job.NewValidationError("url", fmt.Sprintf("source exceeds the maximum size of %d bytes", s.importMaxSize))
	}

	filename := importFilename(obj, target)
	kind, err := job.DetectMediaKind(filename)
	if err != nil {
		return nil, err
	}
	contentType := job.ContentTypeFor(filename)
	if contentType == "application/octet-stream" && obj.ContentType != "" {
		contentType = obj.ContentType
	}

	// 長さが分からない場合は読みながら上限を確かめる
	var body io.Reader = obj.Body
	var limited *sizeLimitReader
	if s.importMaxSize > 0 && obj.Size < 0 {
		limited = &sizeLimitReader{r: obj.Body, remaining: s.importMaxSize}
		body = limited
	}

	id := uuid.New()
	key := storage.UploadKey(id, filename)
	if err := s.store.Put(ctx, key, body, obj.Size, contentType, nil); err != nil {
		if limited != nil && limited.exceeded {
			return nil, job.NewValidationError("url", fmt.Sprintf("source exceeds the maximum size of %d bytes", s.importMaxSize))
		}
		return nil, job.NewStorageError("put", key, err)
	}

	s.logger.Info("URL からメディアを取り込みました",
		"jobID", id,
		"source", target.Source,
		"key", key,
		"size", obj.Size,
	)

	return s.CreateJob(ctx, CreateJobParams{
		ID:          id,
		OriginalKey: key,
		Filename:    filename,
		MediaKind:   kind,
		Config:      params.Config,
	})
}
