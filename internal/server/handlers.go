package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaypub/relay/internal/service"
)

const actorKey = "actor_id"

// requireActor pulls the authenticated actor id resolved by the upstream
// identity layer. Identity itself is out of scope here; the pipeline only
// needs to know who acts.
func (s *Server) requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Actor-ID")
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || id == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid actor id"})
			c.Abort()
			return
		}
		c.Set(actorKey, uint(id))
		c.Next()
	}
}

func (s *Server) actor(c *gin.Context) uint {
	return c.GetUint(actorKey)
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// respondError maps service errors onto HTTP statuses per the error
// taxonomy: validation 400, conflicts 409, capacity 429, missing rows 404.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPostNotFound),
		errors.Is(err, service.ErrWorkspaceNotFound),
		errors.Is(err, service.ErrApprovalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPastScheduleTime),
		errors.Is(err, service.ErrBadScheduleTime),
		errors.Is(err, service.ErrBadPostingTimes),
		errors.Is(err, service.ErrUnknownProfile),
		errors.Is(err, service.ErrNoDestinations):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPostInProgress),
		errors.Is(err, service.ErrApprovalExists),
		errors.Is(err, service.ErrApprovalNotOwned),
		errors.Is(err, service.ErrApprovalsDisabled),
		errors.Is(err, service.ErrCampaignsDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		s.Logger.Error("Request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func (s *Server) handleCreatePost(c *gin.Context) {
	wid, ok := pathID(c, "wid")
	if !ok {
		return
	}

	var req service.CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.AuthorID = s.actor(c)

	post, err := s.PostService.CreatePost(wid, req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"post": post})
}

func (s *Server) handleBulkCreatePosts(c *gin.Context) {
	wid, ok := pathID(c, "wid")
	if !ok {
		return
	}

	var body struct {
		Posts []service.CreatePostRequest `json:"posts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for i := range body.Posts {
		body.Posts[i].AuthorID = s.actor(c)
	}

	posts, err := s.PostService.BulkCreatePosts(wid, body.Posts)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"posts": posts})
}

func (s *Server) handleListPosts(c *gin.Context) {
	wid, ok := pathID(c, "wid")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	posts, total, err := s.PostService.ListPosts(wid, service.ListPostsQuery{
		Status: c.Query("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"posts": posts, "total": total})
}

func (s *Server) handleGetPost(c *gin.Context) {
	wid, ok := pathID(c, "wid")
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	post, err := s.PostService.GetPost(wid, id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"post": post})
}

func (s *Server) handleUpdatePost(c *gin.Context) {
	wid, ok := pathID(c, "wid")
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req service.UpdatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ActorID = s.actor(c)

	post, err := s.PostService.UpdatePost(wid, id, req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"post": post})
}

func (s *Server) handleDeletePost(c *gin.Context) {
	wid, ok := pathID(c, "wid")
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := s.PostService.DeletePost(wid, id); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Post deleted"})
}

func (s *Server) handleListApprovals(c *gin.Context) {
	wid, ok := pathID(c, "wid")
	if !ok {
		return
	}

	approvals, err := s.ApprovalService.ListPending(wid)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

type approvalDecision struct {
	Notes string `json:"notes"`
}

func (s *Server) handleApprove(c *gin.Context) {
	wid, ok := pathID(c, "wid")
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var body approvalDecision
	_ = c.ShouldBindJSON(&body)

	post, err := s.ApprovalService.Approve(wid, id, s.actor(c), body.Notes)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"post": post})
}

func (s *Server) handleReject(c *gin.Context) {
	wid, ok := pathID(c, "wid")
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var body approvalDecision
	_ = c.ShouldBindJSON(&body)

	post, err := s.ApprovalService.Reject(wid, id, s.actor(c), body.Notes)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"post": post})
}

func (s *Server) handleCancelApproval(c *gin.Context) {
	wid, ok := pathID(c, "wid")
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	post, err := s.ApprovalService.Cancel(wid, id, s.actor(c))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"post": post})
}
