package backup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/metrics"
	"github.com/navcam/dashcam/internal/models"
)

// startAttempt uploads one clip on its own goroutine. Progress and the result
// are marshaled back onto the loop.
func (c *Coordinator) startAttempt(it *item, folderID string) {
	p := it.p
	c.log.Debug("upload attempt started", zap.String("clip_id", p.ClipID), zap.String("path", p.Path))
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.attemptTimeout)
		defer cancel()

		started := time.Now()
		remoteID, err := c.process(ctx, p, folderID)
		metrics.UploadDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.Uploads.WithLabelValues("failed").Inc()
			c.log.Error("upload failed", zap.String("clip_id", p.ClipID), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		} else {
			metrics.Uploads.WithLabelValues("succeeded").Inc()
		}
		c.loop.Post(func() { c.attemptFinished(it, remoteID, err) })
	}()
}

// process executes one upload attempt.
func (c *Coordinator) process(ctx context.Context, p models.PendingUpload, folderID string) (string, error) {
	name := models.Clip{ID: p.ClipID, Ext: extOf(p.Path)}.Name()
	return c.gw.Upload(ctx, p.Path, folderID, name, func(frac float64) {
		c.loop.Post(func() { c.progress(p.ClipID, frac) })
	})
}
