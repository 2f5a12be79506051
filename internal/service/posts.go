package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaypub/relay/internal/config"
	"github.com/relaypub/relay/internal/models"
)

// ThreadEntry is one continuation link of a thread-style post.
type ThreadEntry struct {
	Body  string            `json:"body" binding:"required"`
	Media []models.MediaRef `json:"media"`
}

// CreatePostRequest is the transport-agnostic authoring payload.
type CreatePostRequest struct {
	AuthorID      uint              `json:"-"`
	Body          string            `json:"body" binding:"required"`
	ContentType   string            `json:"content_type"`
	Media         []models.MediaRef `json:"media"`
	ProfileIDs    []uint            `json:"profile_ids" binding:"required"`
	Overrides     map[string]string `json:"overrides"`
	ScheduledAt   string            `json:"scheduled_at"`
	Timezone      string            `json:"timezone"`
	AutoSchedule  bool              `json:"auto_schedule"`
	NeedsApproval bool              `json:"needs_approval"`
	CampaignID    *uint             `json:"campaign_id"`
	Thread        []ThreadEntry     `json:"thread"`
}

// UpdatePostRequest carries partial edits. A non-nil empty ScheduledAt clears
// the schedule and returns the post to draft.
type UpdatePostRequest struct {
	ActorID       uint               `json:"-"`
	Body          *string            `json:"body"`
	ContentType   *string            `json:"content_type"`
	Media         *[]models.MediaRef `json:"media"`
	ScheduledAt   *string            `json:"scheduled_at"`
	Timezone      string             `json:"timezone"`
	AutoSchedule  bool               `json:"auto_schedule"`
	NeedsApproval bool               `json:"needs_approval"`
}

// ListPostsQuery filters and pages the workspace post listing.
type ListPostsQuery struct {
	Status string
	Limit  int
	Offset int
}

// PostService is the post aggregate factory plus the caller-facing post
// operations. All aggregate writes happen inside one transaction; job
// enqueuing happens strictly after commit so a job can never race a
// not-yet-visible row.
type PostService struct {
	db         *gorm.DB
	cfg        *config.Config
	logger     *zap.Logger
	allocator  *SlotAllocator
	builder    *DestinationBuilder
	dispatcher *Dispatcher

	now func() time.Time
}

func NewPostService(db *gorm.DB, cfg *config.Config, logger *zap.Logger, allocator *SlotAllocator, builder *DestinationBuilder, dispatcher *Dispatcher) *PostService {
	return &PostService{
		db:         db,
		cfg:        cfg,
		logger:     logger,
		allocator:  allocator,
		builder:    builder,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// CreatePost creates the full post aggregate: the root post, one destination
// per resolved profile, the optional approval row, and the optional thread
// chain.
func (s *PostService) CreatePost(workspaceID uint, req CreatePostRequest) (*models.Post, error) {
	ws, caps, err := s.workspaceCaps(workspaceID)
	if err != nil {
		return nil, err
	}

	scheduledAt, err := s.resolveRequestTime(workspaceID, req.ScheduledAt, req.Timezone, req.AutoSchedule, req.NeedsApproval)
	if err != nil {
		return nil, err
	}

	post, err := s.createAggregate(ws, caps, req, scheduledAt)
	if err != nil {
		return nil, err
	}

	s.syncJob(post)
	return post, nil
}

// BulkCreatePosts creates several posts in one request. Auto-schedule slots
// are allocated up front and every entry is validated and resolved before a
// single row persists: a bad entry anywhere rejects the whole batch and
// nothing is created.
func (s *PostService) BulkCreatePosts(workspaceID uint, reqs []CreatePostRequest) ([]*models.Post, error) {
	ws, caps, err := s.workspaceCaps(workspaceID)
	if err != nil {
		return nil, err
	}

	autoCount := 0
	for _, req := range reqs {
		if req.AutoSchedule && req.ScheduledAt == "" && !req.NeedsApproval {
			autoCount++
		}
	}

	var slots []time.Time
	if autoCount > 0 {
		slots, err = s.allocator.NextSlots(workspaceID, autoCount)
		if err != nil {
			return nil, err
		}
		if len(slots) < autoCount {
			return nil, ErrQueueFull
		}
	}

	aggs := make([]*pendingAggregate, 0, len(reqs))
	slotIdx := 0
	for _, req := range reqs {
		var at *time.Time
		switch {
		case req.ScheduledAt != "":
			// An approval gate may still win over the attached time; the
			// status resolution below decides.
			t, err := s.parseAndValidate(req.ScheduledAt, req.Timezone)
			if err != nil {
				return nil, err
			}
			at = t
		case req.AutoSchedule && !req.NeedsApproval:
			at = &slots[slotIdx]
			slotIdx++
		}

		agg, err := s.prepareAggregate(ws, caps, req, at)
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}

	posts := make([]*models.Post, 0, len(reqs))
	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, agg := range aggs {
			post, err := s.persistAggregate(tx, ws, agg)
			if err != nil {
				return err
			}
			posts = append(posts, post)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, post := range posts {
		s.syncJob(post)
	}
	return posts, nil
}

// pendingAggregate is a fully validated post aggregate awaiting persistence.
// All profile resolution and capability checks happen before any transaction
// opens; persisting it performs writes only.
type pendingAggregate struct {
	req         CreatePostRequest
	scheduledAt *time.Time
	status      models.PostStatus
	contentType string
	rootDests   []models.PostDestination
	chainDests  [][]models.PostDestination
}

func (s *PostService) prepareAggregate(ws *models.Workspace, caps Capabilities, req CreatePostRequest, scheduledAt *time.Time) (*pendingAggregate, error) {
	if req.NeedsApproval && !caps.ApprovalsEnabled {
		return nil, ErrApprovalsDisabled
	}
	if req.CampaignID != nil && !caps.CampaignsEnabled {
		return nil, ErrCampaignsDisabled
	}

	rootDests, err := s.builder.Build(ws.ID, req.ProfileIDs, req.Overrides)
	if err != nil {
		return nil, err
	}

	// Each chain link gets its own destination rows, and dedupe keys, so
	// every link can publish independently.
	chainDests := make([][]models.PostDestination, len(req.Thread))
	for i := range req.Thread {
		chainDests[i], err = s.builder.Build(ws.ID, req.ProfileIDs, req.Overrides)
		if err != nil {
			return nil, err
		}
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "text"
	}

	return &pendingAggregate{
		req:         req,
		scheduledAt: scheduledAt,
		status:      resolveStatus(req.NeedsApproval, scheduledAt),
		contentType: contentType,
		rootDests:   rootDests,
		chainDests:  chainDests,
	}, nil
}

// persistAggregate writes post + destinations + approval + chain on the given
// transaction handle. No reads happen here: everything was resolved up front,
// so the transaction never waits on a second connection.
func (s *PostService) persistAggregate(tx *gorm.DB, ws *models.Workspace, agg *pendingAggregate) (*models.Post, error) {
	req := agg.req

	post := &models.Post{
		WorkspaceID: ws.ID,
		AuthorID:    req.AuthorID,
		CampaignID:  req.CampaignID,
		Body:        req.Body,
		ContentType: agg.contentType,
		Media:       req.Media,
		ScheduledAt: agg.scheduledAt,
		Timezone:    req.Timezone,
		Status:      agg.status,
	}
	if err := tx.Create(post).Error; err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}

	dests := agg.rootDests
	for i := range dests {
		dests[i].PostID = post.ID
	}
	if err := tx.Create(&dests).Error; err != nil {
		return nil, fmt.Errorf("failed to create destinations: %w", err)
	}
	post.Destinations = dests

	if req.NeedsApproval {
		approval := &models.PostApproval{
			PostID:      post.ID,
			RequesterID: req.AuthorID,
			Status:      models.ApprovalStatusPending,
			RequestedAt: s.now(),
		}
		if err := tx.Create(approval).Error; err != nil {
			return nil, fmt.Errorf("failed to create approval: %w", err)
		}
	}

	// Thread chain: each link points at its predecessor and inherits the
	// root's schedule, status, timezone and campaign.
	parentID := post.ID
	for i, entry := range req.Thread {
		pid := parentID
		child := &models.Post{
			WorkspaceID:  ws.ID,
			AuthorID:     req.AuthorID,
			CampaignID:   req.CampaignID,
			ParentPostID: &pid,
			Body:         entry.Body,
			ContentType:  agg.contentType,
			Media:        entry.Media,
			ScheduledAt:  agg.scheduledAt,
			Timezone:     req.Timezone,
			Status:       agg.status,
		}
		if err := tx.Create(child).Error; err != nil {
			return nil, fmt.Errorf("failed to create chain link: %w", err)
		}

		childDests := agg.chainDests[i]
		for j := range childDests {
			childDests[j].PostID = child.ID
		}
		if err := tx.Create(&childDests).Error; err != nil {
			return nil, fmt.Errorf("failed to create chain destinations: %w", err)
		}
		parentID = child.ID
	}

	return post, nil
}

// createAggregate persists one prepared aggregate in its own transaction.
func (s *PostService) createAggregate(ws *models.Workspace, caps Capabilities, req CreatePostRequest, scheduledAt *time.Time) (*models.Post, error) {
	agg, err := s.prepareAggregate(ws, caps, req, scheduledAt)
	if err != nil {
		return nil, err
	}

	var post *models.Post
	err = s.db.Transaction(func(tx *gorm.DB) error {
		post, err = s.persistAggregate(tx, ws, agg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

// UpdatePost applies edits and recomputes the scheduling decision. Posts that
// are publishing or already published cannot be edited. Root edits propagate
// the new schedule to every chain link so threads always fire together.
func (s *PostService) UpdatePost(workspaceID, postID uint, req UpdatePostRequest) (*models.Post, error) {
	_, caps, err := s.workspaceCaps(workspaceID)
	if err != nil {
		return nil, err
	}

	post, err := s.getPost(workspaceID, postID)
	if err != nil {
		return nil, err
	}
	if post.Status == models.PostStatusPublishing || post.Status == models.PostStatusPublished {
		return nil, ErrPostInProgress
	}

	if req.Body != nil {
		post.Body = *req.Body
	}
	if req.ContentType != nil {
		post.ContentType = *req.ContentType
	}
	if req.Media != nil {
		post.Media = *req.Media
	}
	if req.Timezone != "" {
		post.Timezone = req.Timezone
	}

	// Scheduling recompute applies to chain roots only; links follow their
	// root.
	scheduleChanged := false
	approvalRequested := false
	if post.IsChainRoot() {
		switch {
		case req.ScheduledAt != nil && *req.ScheduledAt == "":
			post.ScheduledAt = nil
			scheduleChanged = true
		case req.ScheduledAt != nil:
			t, err := s.parseAndValidate(*req.ScheduledAt, post.Timezone)
			if err != nil {
				return nil, err
			}
			post.ScheduledAt = t
			scheduleChanged = true
		case req.AutoSchedule && (post.ScheduledAt == nil || post.Status.Terminal()):
			slots, err := s.allocator.NextSlots(workspaceID, 1)
			if err != nil {
				return nil, err
			}
			if len(slots) == 0 {
				return nil, ErrQueueFull
			}
			post.ScheduledAt = &slots[0]
			scheduleChanged = true
		}

		needsApproval := post.Status == models.PostStatusPendingApproval
		if req.NeedsApproval && !needsApproval {
			if !caps.ApprovalsEnabled {
				return nil, ErrApprovalsDisabled
			}
			needsApproval = true
			approvalRequested = true
		}

		// A content-only edit never moves the state machine: a failed post
		// stays failed until the caller supplies a fresh schedule, and a
		// retained stale time is never re-armed on its own.
		if scheduleChanged || approvalRequested {
			post.Status = resolveStatus(needsApproval, post.ScheduledAt)
		}
	}

	newApproval := req.NeedsApproval && post.Status == models.PostStatusPendingApproval

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(post).Error; err != nil {
			return fmt.Errorf("failed to update post: %w", err)
		}

		if newApproval {
			var pending int64
			if err := tx.Model(&models.PostApproval{}).
				Where("post_id = ? AND status = ?", post.ID, models.ApprovalStatusPending).
				Count(&pending).Error; err != nil {
				return err
			}
			if pending == 0 {
				approval := &models.PostApproval{
					PostID:      post.ID,
					RequesterID: req.ActorID,
					Status:      models.ApprovalStatusPending,
					RequestedAt: s.now(),
				}
				if err := tx.Create(approval).Error; err != nil {
					return fmt.Errorf("failed to create approval: %w", err)
				}
			}
		}

		if scheduleChanged && post.IsChainRoot() {
			if err := propagateChain(tx, post); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.syncJob(post)
	return post, nil
}

// DeletePost hard-deletes a post and, for chain roots, every descendant link,
// together with their destinations and approvals. Pending jobs are cancelled
// (no-op when absent).
func (s *PostService) DeletePost(workspaceID, postID uint) error {
	post, err := s.getPost(workspaceID, postID)
	if err != nil {
		return err
	}

	ids, err := collectChain(s.db, post.ID)
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id IN ?", ids).Delete(&models.PostDestination{}).Error; err != nil {
			return fmt.Errorf("failed to delete destinations: %w", err)
		}
		if err := tx.Where("post_id IN ?", ids).Delete(&models.PostApproval{}).Error; err != nil {
			return fmt.Errorf("failed to delete approvals: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&models.Post{}).Error; err != nil {
			return fmt.Errorf("failed to delete posts: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		s.dispatcher.Cancel(id)
	}

	s.logger.Info("Post deleted",
		zap.Uint("post_id", postID),
		zap.Int("chain_size", len(ids)))
	return nil
}

// ListPosts returns workspace posts with destinations, newest first.
func (s *PostService) ListPosts(workspaceID uint, q ListPostsQuery) ([]models.Post, int64, error) {
	query := s.db.Model(&models.Post{}).Where("workspace_id = ?", workspaceID)
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count posts: %w", err)
	}

	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var posts []models.Post
	if err := query.Preload("Destinations").Preload("Destinations.Profile").
		Order("created_at DESC").
		Limit(limit).Offset(q.Offset).
		Find(&posts).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list posts: %w", err)
	}

	return posts, total, nil
}

// GetPost loads one workspace-scoped post with destinations.
func (s *PostService) GetPost(workspaceID, postID uint) (*models.Post, error) {
	var post models.Post
	err := s.db.Preload("Destinations").Preload("Destinations.Profile").
		Where("workspace_id = ?", workspaceID).
		First(&post, postID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load post: %w", err)
	}
	return &post, nil
}

// Helper methods

func (s *PostService) workspaceCaps(workspaceID uint) (*models.Workspace, Capabilities, error) {
	var ws models.Workspace
	if err := s.db.First(&ws, workspaceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, Capabilities{}, ErrWorkspaceNotFound
		}
		return nil, Capabilities{}, fmt.Errorf("failed to load workspace: %w", err)
	}
	return &ws, CapabilitiesFor(s.cfg, &ws), nil
}

func (s *PostService) getPost(workspaceID, postID uint) (*models.Post, error) {
	var post models.Post
	err := s.db.Where("workspace_id = ?", workspaceID).First(&post, postID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load post: %w", err)
	}
	return &post, nil
}

func (s *PostService) parseAndValidate(raw, timezone string) (*time.Time, error) {
	t, err := parseScheduleTime(raw, timezone)
	if err != nil {
		return nil, err
	}
	if err := validateScheduleTime(t, s.now()); err != nil {
		return nil, err
	}
	return &t, nil
}

// resolveRequestTime decides the initial scheduled instant for a create
// request: a concrete caller time wins, then an allocator slot when
// auto-scheduling, otherwise none. Approval-gated posts may carry a time but
// it stays dormant until the decision.
func (s *PostService) resolveRequestTime(workspaceID uint, raw, timezone string, autoSchedule, needsApproval bool) (*time.Time, error) {
	if raw != "" {
		return s.parseAndValidate(raw, timezone)
	}
	if autoSchedule && !needsApproval {
		slots, err := s.allocator.NextSlots(workspaceID, 1)
		if err != nil {
			return nil, err
		}
		if len(slots) == 0 {
			return nil, ErrQueueFull
		}
		return &slots[0], nil
	}
	return nil, nil
}


// syncJob reconciles the dispatcher with the post's state: scheduled chain
// roots get exactly one job at their fire time, everything else has its job
// removed. Called strictly after transaction commit.
func (s *PostService) syncJob(post *models.Post) {
	if !post.IsChainRoot() {
		return
	}
	if post.Status == models.PostStatusScheduled && post.ScheduledAt != nil {
		s.dispatcher.Schedule(post.ID, *post.ScheduledAt)
		return
	}
	s.dispatcher.Cancel(post.ID)
}
