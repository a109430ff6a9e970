package httpclient

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/pipeline"
)

const (
	downloadOp = "download asset"
	fetchOp    = "fetch import source"
)

var (
	_ pipeline.AssetDownloader = (*Downloader)(nil)
	_ pipeline.URLFetcher      = (*Downloader)(nil)
)

// Downloader はレンダリング済みアセットと取り込み元のメディアを HTTP で取得する
type Downloader struct {
	client *http.Client
}

// NewDownloader は Downloader を作成する
// timeout は本文の読み出しまで含むため、大きなファイルを想定した値にする
func NewDownloader(timeout time.Duration) *Downloader {
	return &Downloader{client: New(timeout)}
}

// Download は本文と Content-Length を返す。長さが不明な場合は -1
func (d *Downloader) Download(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	resp, err := d.get(ctx, url, downloadOp)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// Fetch は本文に加えて Content-Type と Content-Disposition のファイル名を返す
// リダイレクトは http.Client の既定に従って追う
func (d *Downloader) Fetch(ctx context.Context, url string) (*pipeline.RemoteObject, error) {
	resp, err := d.get(ctx, url, fetchOp)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}

	return &pipeline.RemoteObject{
		Body:        resp.Body,
		Size:        resp.ContentLength,
		ContentType: contentType,
		Filename:    dispositionFilename(resp.Header.Get("Content-Disposition")),
	}, nil
}

func (d *Downloader) get(ctx context.Context, url, op string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, job.Permanent(op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", "clipline")
	return Do(d.client, req, op)
}

// dispositionFilename は Content-Disposition からファイル名を取り出す
// filename* (RFC 5987) は mime.ParseMediaType が filename として返す
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := path.Base(params["filename"])
	if name == "." || name == "/" {
		return ""
	}
	return name
}
