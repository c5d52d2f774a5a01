// Package render is the demonstration execution callback: it fetches a
// source image, applies the requested transforms, and stores the encoded
// artifact. The queue core treats it purely as an opaque RunFunc plus the
// AlreadyDone idempotency hook.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"renderqueue/internal/config"
	"renderqueue/internal/models"
	"renderqueue/internal/worker"
)

// Error codes recorded on the job row when a render attempt fails.
const (
	CodeBadPayload   = "BAD_PAYLOAD"
	CodeFetchFailed  = "FETCH_FAILED"
	CodeDecodeFailed = "DECODE_FAILED"
	CodeUploadFailed = "UPLOAD_FAILED"
)

// payload is the job payload accepted from producers.
type payload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// Renderer downloads, transforms, and stores a single image per job.
type Renderer struct {
	cfg        config.Config
	httpClient *http.Client
	local      ArtifactStore
	s3         ArtifactStore
}

// New constructs the renderer, wiring the local artifact directory and,
// when a bucket is configured, S3.
func New(ctx context.Context, cfg config.Config) (*Renderer, error) {
	timeout := cfg.RenderDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.RenderOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Store ArtifactStore
	if cfg.RenderS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Store = &s3Artifacts{client: client, bucket: cfg.RenderS3Bucket}
	}

	return &Renderer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localArtifacts{baseDir: baseDir},
		s3:         s3Store,
	}, nil
}

// Run executes one rendering job. It satisfies worker.RunFunc and is safe
// to invoke again for the same job after a stale reclamation; the artifact
// write is a plain overwrite.
func (r *Renderer) Run(ctx context.Context, job models.Job) error {
	p, err := r.decodePayload(job)
	if err != nil {
		return &worker.JobError{Code: CodeBadPayload, Message: err.Error()}
	}

	data, contentType, err := r.download(ctx, p.SourceURL)
	if err != nil {
		return &worker.JobError{Code: CodeFetchFailed, Message: err.Error()}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return &worker.JobError{Code: CodeDecodeFailed, Message: fmt.Sprintf("decode image: %v", err)}
	}

	if p.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, p.Width, p.Height, imaging.Lanczos)

	outputFormat := chooseFormat(p.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return &worker.JobError{Code: CodeDecodeFailed, Message: fmt.Sprintf("encode image: %v", err)}
	}

	store, err := r.pickStore(p.Destination)
	if err != nil {
		return &worker.JobError{Code: CodeBadPayload, Message: err.Error()}
	}
	if _, err := store.Put(ctx, outputKey(p, job, outputFormat), buf.Bytes(), mimeForFormat(outputFormat, contentType)); err != nil {
		return &worker.JobError{Code: CodeUploadFailed, Message: err.Error()}
	}
	return nil
}

// AlreadyDone reports whether the job's artifact is already durable. It
// satisfies worker.DoneFunc and guards against re-rendering a job whose
// previous attempt finished the upload but died before recording
// completion.
func (r *Renderer) AlreadyDone(ctx context.Context, job models.Job) (bool, error) {
	p, err := r.decodePayload(job)
	if err != nil {
		// Let Run surface the payload problem as a job failure.
		return false, nil
	}
	store, err := r.pickStore(p.Destination)
	if err != nil {
		return false, nil
	}
	// Without an explicit output key the name depends on the negotiated
	// format, so only keyed jobs can be skipped.
	if p.OutputKey == "" {
		return false, nil
	}
	return store.Exists(ctx, sanitizeKey(p.OutputKey))
}

func (r *Renderer) decodePayload(job models.Job) (payload, error) {
	p := payload{
		Width:  r.cfg.RenderDefaultWidth,
		Height: r.cfg.RenderDefaultHeight,
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.SourceURL == "" {
		return p, errors.New("source_url is required")
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width = r.cfg.RenderDefaultWidth
		p.Height = r.cfg.RenderDefaultHeight
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width = 320
	}
	if p.Destination == "" {
		if r.cfg.RenderS3Bucket != "" {
			p.Destination = "s3"
		} else {
			p.Destination = "local"
		}
	}
	return p, nil
}

func (r *Renderer) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download source: status %d", resp.StatusCode)
	}

	limit := r.cfg.RenderMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read source: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("source too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (r *Renderer) pickStore(destination string) (ArtifactStore, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if r.s3 != nil {
			return r.s3, nil
		}
		return nil, errors.New("destination s3 requested but RENDER_S3_BUCKET is not configured")
	case "local", "":
		if r.local != nil {
			return r.local, nil
		}
	}
	if r.s3 != nil {
		return r.s3, nil
	}
	if r.local != nil {
		return r.local, nil
	}
	return nil, errors.New("no artifact store configured")
}

func outputKey(p payload, job models.Job, format imaging.Format) string {
	key := p.OutputKey
	if key == "" {
		key = fmt.Sprintf("%s.%s", job.ID, formatExtension(format))
	}
	return sanitizeKey(key)
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}
