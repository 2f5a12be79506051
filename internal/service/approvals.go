package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaypub/relay/internal/config"
	"github.com/relaypub/relay/internal/models"
)

// ApprovalService runs the approval sub-flow: a pending-approval post leaves
// that state only through an approve/reject decision or cancellation by the
// original requester.
type ApprovalService struct {
	db         *gorm.DB
	cfg        *config.Config
	logger     *zap.Logger
	allocator  *SlotAllocator
	dispatcher *Dispatcher

	now func() time.Time
}

func NewApprovalService(db *gorm.DB, cfg *config.Config, logger *zap.Logger, allocator *SlotAllocator, dispatcher *Dispatcher) *ApprovalService {
	return &ApprovalService{
		db:         db,
		cfg:        cfg,
		logger:     logger,
		allocator:  allocator,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// ListPending returns the workspace's open approval requests with their
// posts.
func (s *ApprovalService) ListPending(workspaceID uint) ([]models.PostApproval, error) {
	var approvals []models.PostApproval
	err := s.db.Preload("Post").
		Joins("JOIN posts ON posts.id = post_approvals.post_id").
		Where("posts.workspace_id = ? AND post_approvals.status = ?", workspaceID, models.ApprovalStatusPending).
		Order("post_approvals.requested_at").
		Find(&approvals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	return approvals, nil
}

// Approve moves the post to scheduled and arms its job. A missing or stale
// scheduled time gets one fresh allocator slot; when the queue is full, a
// missing time fails with backpressure while a merely stale time falls back
// to publishing immediately.
func (s *ApprovalService) Approve(workspaceID, postID, approverID uint, notes string) (*models.Post, error) {
	post, approval, err := s.loadPending(workspaceID, postID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	fireAt := post.ScheduledAt
	missing := fireAt == nil
	stale := fireAt != nil && !fireAt.After(now)

	if missing || stale {
		slots, err := s.allocator.NextSlots(workspaceID, 1)
		if err != nil {
			return nil, err
		}
		switch {
		case len(slots) > 0:
			fireAt = &slots[0]
		case missing:
			return nil, ErrQueueFull
		default:
			// Stale but not missing: the author picked a time that has
			// passed during review; publish immediately.
			fireAt = &now
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		reviewedAt := s.now()
		if err := tx.Model(approval).Updates(map[string]interface{}{
			"status":      models.ApprovalStatusApproved,
			"approver_id": approverID,
			"notes":       notes,
			"reviewed_at": reviewedAt,
		}).Error; err != nil {
			return fmt.Errorf("failed to update approval: %w", err)
		}

		post.Status = models.PostStatusScheduled
		post.ScheduledAt = fireAt
		if err := tx.Save(post).Error; err != nil {
			return fmt.Errorf("failed to update post: %w", err)
		}
		return propagateChain(tx, post)
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Schedule(post.ID, *fireAt)
	s.logger.Info("Post approved",
		zap.Uint("post_id", post.ID),
		zap.Uint("approver_id", approverID),
		zap.Time("fire_at", *fireAt))
	return post, nil
}

// Reject reverts the post to draft; no job exists afterwards.
func (s *ApprovalService) Reject(workspaceID, postID, approverID uint, notes string) (*models.Post, error) {
	post, approval, err := s.loadPending(workspaceID, postID)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		reviewedAt := s.now()
		if err := tx.Model(approval).Updates(map[string]interface{}{
			"status":      models.ApprovalStatusRejected,
			"approver_id": approverID,
			"notes":       notes,
			"reviewed_at": reviewedAt,
		}).Error; err != nil {
			return fmt.Errorf("failed to update approval: %w", err)
		}

		post.Status = models.PostStatusDraft
		if err := tx.Save(post).Error; err != nil {
			return fmt.Errorf("failed to update post: %w", err)
		}
		return propagateChain(tx, post)
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Cancel(post.ID)
	s.logger.Info("Post rejected",
		zap.Uint("post_id", post.ID),
		zap.Uint("approver_id", approverID))
	return post, nil
}

// Cancel withdraws a pending approval. Only the original requester may
// cancel; the approval row is removed and the post reverts to draft.
func (s *ApprovalService) Cancel(workspaceID, postID, actorID uint) (*models.Post, error) {
	post, approval, err := s.loadPending(workspaceID, postID)
	if err != nil {
		return nil, err
	}
	if approval.RequesterID != actorID {
		return nil, ErrApprovalNotOwned
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(approval).Error; err != nil {
			return fmt.Errorf("failed to delete approval: %w", err)
		}

		post.Status = models.PostStatusDraft
		if err := tx.Save(post).Error; err != nil {
			return fmt.Errorf("failed to update post: %w", err)
		}
		return propagateChain(tx, post)
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Cancel(post.ID)
	return post, nil
}

func (s *ApprovalService) loadPending(workspaceID, postID uint) (*models.Post, *models.PostApproval, error) {
	var post models.Post
	err := s.db.Where("workspace_id = ?", workspaceID).First(&post, postID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil, ErrPostNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load post: %w", err)
	}

	var approval models.PostApproval
	err = s.db.Where("post_id = ? AND status = ?", postID, models.ApprovalStatusPending).
		First(&approval).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load approval: %w", err)
	}

	return &post, &approval, nil
}
