package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaypub/relay/internal/models"
	"github.com/relaypub/relay/internal/publisher"
)

// Orchestrator handles fired publish jobs: it loads a root post with its
// destinations, fans out one publish call per destination concurrently,
// aggregates partial results, and walks the thread chain link by link,
// threading each link's platform post id into the next link's reply target.
type Orchestrator struct {
	db         *gorm.DB
	registry   *publisher.Registry
	monitoring *MonitoringService
	logger     *zap.Logger
}

func NewOrchestrator(db *gorm.DB, registry *publisher.Registry, monitoring *MonitoringService, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:         db,
		registry:   registry,
		monitoring: monitoring,
		logger:     logger,
	}
}

// PublishPost is the dispatcher's job handler. Chain links are processed
// iteratively, never via call-stack recursion: the loop carries the current
// link id and the reply target obtained from the previous link. A returned
// error is infrastructure-level and triggers dispatcher retry; destination
// failures are recorded as data.
func (o *Orchestrator) PublishPost(ctx context.Context, postID uint) error {
	currentID := postID
	replyTo := ""

	for currentID != 0 {
		lastPlatformID, anySuccess, err := o.publishLink(ctx, currentID, replyTo)
		if err != nil {
			return err
		}
		if !anySuccess || lastPlatformID == "" {
			// A failed link has nothing to reply to; the chain halts here.
			if currentID != postID || !anySuccess {
				o.logger.Warn("Chain halted",
					zap.Uint("post_id", currentID),
					zap.Bool("any_success", anySuccess))
			}
			return nil
		}

		var next models.Post
		err = o.db.Where("parent_post_id = ?", currentID).Order("id").First(&next).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load next chain link: %w", err)
		}

		currentID = next.ID
		replyTo = lastPlatformID
	}

	return nil
}

// publishLink runs LOAD -> FAN-OUT -> AGGREGATE -> PERSIST for one chain
// link and reports the reply target for the next link.
func (o *Orchestrator) publishLink(ctx context.Context, postID uint, replyTo string) (string, bool, error) {
	var post models.Post
	if err := o.db.Preload("Destinations").Preload("Destinations.Profile").
		First(&post, postID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			// Deleted between schedule and fire; nothing to do.
			o.logger.Warn("Publish job for missing post", zap.Uint("post_id", postID))
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to load post: %w", err)
	}

	// Destinations that already succeeded (from an earlier attempt of this
	// job) are skipped, never re-published; their platform ids still count
	// as reply targets so a resumed chain can continue.
	lastPlatformID := ""
	var pending []*models.PostDestination
	for i := range post.Destinations {
		dest := &post.Destinations[i]
		if dest.Status == models.DestinationStatusSuccess {
			if dest.PlatformPostID != "" {
				lastPlatformID = dest.PlatformPostID
			}
			continue
		}
		pending = append(pending, dest)
	}

	if len(pending) == 0 && post.Status == models.PostStatusPublished {
		return lastPlatformID, true, nil
	}

	if err := o.db.Model(&post).Update("status", models.PostStatusPublishing).Error; err != nil {
		return "", false, fmt.Errorf("failed to mark post publishing: %w", err)
	}

	o.logger.Info("Publishing post",
		zap.Uint("post_id", post.ID),
		zap.Uint("workspace_id", post.WorkspaceID),
		zap.Int("destinations", len(pending)),
		zap.String("reply_to", replyTo))

	results := o.fanOut(ctx, &post, pending, replyTo)

	successCount := 0
	failureCount := 0
	now := time.Now()

	for i, dest := range pending {
		res := results[i]
		if res.err != nil {
			failureCount++
			dest.Status = models.DestinationStatusFailed
			dest.Error = res.err.Error()

			o.monitoring.RecordMetric("publish_failure", "counter", 1, map[string]interface{}{
				"platform": dest.Profile.Platform,
				"post_id":  post.ID,
			})
			o.monitoring.RecordError("ERROR", "orchestrator",
				fmt.Sprintf("Failed to publish to %s", dest.Profile.Platform),
				res.err.Error(),
				WithPlatform(dest.Profile.Platform),
				WithPost(post.ID))
		} else {
			successCount++
			dest.Status = models.DestinationStatusSuccess
			dest.PlatformPostID = res.result.PlatformPostID
			dest.Error = ""
			publishedAt := res.result.PublishedAt
			if publishedAt.IsZero() {
				publishedAt = now
			}
			dest.PublishedAt = &publishedAt
			if dest.Metadata == nil {
				dest.Metadata = models.StringMap{}
			}
			if replyTo != "" {
				dest.Metadata["reply_to_id"] = replyTo
			}
			lastPlatformID = res.result.PlatformPostID

			o.monitoring.RecordMetric("publish_success", "counter", 1, map[string]interface{}{
				"platform": dest.Profile.Platform,
				"post_id":  post.ID,
			})
		}

		if err := o.db.Save(dest).Error; err != nil {
			return "", false, fmt.Errorf("failed to persist destination result: %w", err)
		}
	}

	// Partial success still counts as published; only a clean sweep of
	// failures marks the post failed.
	anySuccess := successCount > 0 || (len(pending) == 0 && lastPlatformID != "")
	status := models.PostStatusPublished
	if !anySuccess {
		status = models.PostStatusFailed
	}
	updates := map[string]interface{}{
		"status":       status,
		"published_at": &now,
	}
	if err := o.db.Model(&post).Updates(updates).Error; err != nil {
		return "", false, fmt.Errorf("failed to persist post status: %w", err)
	}

	o.logger.Info("Publish completed",
		zap.Uint("post_id", post.ID),
		zap.String("status", string(status)),
		zap.Int("succeeded", successCount),
		zap.Int("failed", failureCount))

	return lastPlatformID, anySuccess, nil
}

type destinationResult struct {
	result *publisher.PublishResult
	err    error
}

// fanOut dispatches every destination concurrently and blocks until the full
// fan-out settles. Destinations fail independently; the slowest one
// determines total latency.
func (o *Orchestrator) fanOut(ctx context.Context, post *models.Post, destinations []*models.PostDestination, replyTo string) []destinationResult {
	results := make([]destinationResult, len(destinations))

	var wg sync.WaitGroup
	for i, dest := range destinations {
		wg.Add(1)
		go func(i int, dest *models.PostDestination) {
			defer wg.Done()
			results[i] = o.publishDestination(ctx, post, dest, replyTo)
		}(i, dest)
	}
	wg.Wait()

	return results
}

func (o *Orchestrator) publishDestination(ctx context.Context, post *models.Post, dest *models.PostDestination, replyTo string) destinationResult {
	pub, err := o.registry.Get(dest.Profile.Platform)
	if err != nil {
		return destinationResult{err: err}
	}

	content := post.Body
	if dest.ContentOverride != "" {
		content = dest.ContentOverride
	}

	req := publisher.PublishRequest{
		Content:   content,
		Media:     post.Media,
		TargetID:  dest.Profile.ExternalID,
		ReplyToID: replyTo,
		DedupeKey: dest.Metadata["dedupe_key"],
	}

	result, err := pub.Publish(ctx, publisher.CredentialsFromProfile(&dest.Profile), req)
	if err != nil {
		return destinationResult{err: err}
	}
	return destinationResult{result: result}
}
