package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"strings"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"

	"github.com/fablecast/fablecast-backend/internal/domain"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

const (
	posterWidth  = 1280
	posterHeight = 720
)

// PosterService renders the title card for a finished video: the first scene
// image scaled to frame size under a dark gradient, with the script title
// drawn over it. The merge stage attaches the result to the merged video row.
type PosterService interface {
	CreateAndUploadPoster(ctx context.Context, job *domain.VideoJob, state *domain.PipelineState) (url string, key string, err error)
}

type posterService struct {
	log    *logger.Logger
	bucket gcs.BucketService

	titleFace    font.Face
	subtitleFace font.Face
}

func NewPosterService(baseLog *logger.Logger, bucket gcs.BucketService) (PosterService, error) {
	serviceLog := baseLog.With("service", "PosterService")

	fontPath := strings.TrimSpace(os.Getenv("POSTER_FONT"))
	if fontPath == "" {
		return nil, fmt.Errorf("missing env var POSTER_FONT")
	}
	titleFace, err := loadFontFace(fontPath, 72)
	if err != nil {
		return nil, fmt.Errorf("could not load poster font: %w", err)
	}
	subtitleFace, err := loadFontFace(fontPath, 30)
	if err != nil {
		return nil, fmt.Errorf("could not load poster font: %w", err)
	}

	return &posterService{
		log:          serviceLog,
		bucket:       bucket,
		titleFace:    titleFace,
		subtitleFace: subtitleFace,
	}, nil
}

func (ps *posterService) CreateAndUploadPoster(ctx context.Context, job *domain.VideoJob, state *domain.PipelineState) (string, string, error) {
	if job == nil || state == nil {
		return "", "", fmt.Errorf("job and state required")
	}

	buf, err := ps.render(ctx, state)
	if err != nil {
		return "", "", err
	}

	key := fmt.Sprintf("poster/%s/%d.png", job.ID.String(), time.Now().UnixNano())
	if err := ps.bucket.UploadFile(ctx, gcs.BucketCategoryPoster, key, bytes.NewReader(buf.Bytes())); err != nil {
		return "", "", fmt.Errorf("upload poster: %w", err)
	}
	url := ps.bucket.GetPublicURL(gcs.BucketCategoryPoster, key)

	ps.log.Info("Poster uploaded", "job_id", job.ID, "key", key)
	return url, key, nil
}

func (ps *posterService) render(ctx context.Context, state *domain.PipelineState) (bytes.Buffer, error) {
	var buf bytes.Buffer

	dc := gg.NewContext(posterWidth, posterHeight)

	if bg := ps.loadBackdrop(ctx, state); bg != nil {
		dc.DrawImage(bg, 0, 0)
	} else {
		dc.SetColor(color.NRGBA{R: 24, G: 26, B: 34, A: 255})
		dc.DrawRectangle(0, 0, posterWidth, posterHeight)
		dc.Fill()
	}

	// Darken the lower band so the title stays readable.
	grad := gg.NewLinearGradient(0, posterHeight/2, 0, posterHeight)
	grad.AddColorStop(0, color.NRGBA{A: 0})
	grad.AddColorStop(1, color.NRGBA{A: 210})
	dc.SetFillStyle(grad)
	dc.DrawRectangle(0, posterHeight/2, posterWidth, posterHeight/2)
	dc.Fill()

	title := "Untitled chapter"
	if state.Script != nil && strings.TrimSpace(state.Script.Title) != "" {
		title = strings.TrimSpace(state.Script.Title)
	}

	dc.SetFontFace(ps.titleFace)
	dc.SetColor(color.White)
	dc.DrawStringWrapped(title, 64, posterHeight-200, 0, 0, posterWidth-128, 1.1, gg.AlignLeft)

	if state.Script != nil {
		dc.SetFontFace(ps.subtitleFace)
		dc.SetColor(color.NRGBA{R: 220, G: 220, B: 220, A: 255})
		sub := fmt.Sprintf("%d scenes", len(state.Script.Scenes))
		dc.DrawString(sub, 64, posterHeight-48)
	}

	if err := dc.EncodePNG(&buf); err != nil {
		return buf, fmt.Errorf("encode poster png: %w", err)
	}
	return buf, nil
}

// loadBackdrop pulls the first completed scene image and scales it to frame
// size. Posters degrade to a flat background when no image is available.
func (ps *posterService) loadBackdrop(ctx context.Context, state *domain.PipelineState) image.Image {
	if ps.bucket == nil || len(state.Images) == 0 {
		return nil
	}
	key := ""
	for _, ref := range state.Images {
		if ref.StorageKey != "" {
			key = ref.StorageKey
			break
		}
	}
	if key == "" {
		return nil
	}

	rc, err := ps.bucket.DownloadFile(ctx, gcs.BucketCategoryImage, key)
	if err != nil {
		ps.log.Warn("Poster backdrop download failed; using flat background", "key", key, "error", err)
		return nil
	}
	defer rc.Close()

	img, _, err := image.Decode(rc)
	if err != nil {
		ps.log.Warn("Poster backdrop decode failed; using flat background", "key", key, "error", err)
		return nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, posterWidth, posterHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

func loadFontFace(fontPath string, size float64) (font.Face, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read font file: %w", err)
	}
	parsedFont, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TTF: %w", err)
	}
	face := truetype.NewFace(parsedFont, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	return face, nil
}
