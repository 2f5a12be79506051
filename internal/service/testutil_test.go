package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/relaypub/relay/internal/config"
	"github.com/relaypub/relay/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, Migrate(db))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Dispatcher: config.DispatcherConfig{
			Workers:     2,
			MaxAttempts: 3,
			BackoffBase: "10ms",
		},
		Scheduler: config.SchedulerConfig{
			SweepInterval:   "1m",
			CollisionWindow: "1m",
		},
		Plans: map[string]config.PlanConfig{
			"free": {
				MaxQueueDepth: 10,
				HorizonDays:   7,
				PostingTimes:  []string{"09:00", "13:00", "17:00"},
			},
			"pro": {
				MaxQueueDepth:    100,
				HorizonDays:      30,
				PostingTimes:     []string{"08:00", "12:00", "16:00", "20:00"},
				ApprovalsEnabled: true,
				CampaignsEnabled: true,
			},
			// No slot budget at all; approvals still allowed.
			"strict": {
				MaxQueueDepth:    0,
				HorizonDays:      1,
				PostingTimes:     []string{"09:00"},
				ApprovalsEnabled: true,
			},
		},
	}
}

func seedWorkspace(t *testing.T, db *gorm.DB, plan string) *models.Workspace {
	t.Helper()

	ws := &models.Workspace{
		Name:     "acme",
		Plan:     plan,
		Timezone: "UTC",
	}
	require.NoError(t, db.Create(ws).Error)
	return ws
}

func seedProfile(t *testing.T, db *gorm.DB, workspaceID uint, platform string) *models.SocialProfile {
	t.Helper()

	profile := &models.SocialProfile{
		WorkspaceID: workspaceID,
		Platform:    platform,
		Handle:      "@acme-" + platform,
		ExternalID:  "ext-" + platform,
		AccessToken: "token-" + platform,
		Active:      true,
	}
	require.NoError(t, db.Create(profile).Error)
	return profile
}

// handlerRecorder is a dispatcher JobHandler that records invocations and
// signals each one on a channel.
type handlerRecorder struct {
	mu    sync.Mutex
	calls []uint
	err   error
	fired chan uint
}

func newHandlerRecorder() *handlerRecorder {
	return &handlerRecorder{fired: make(chan uint, 16)}
}

func (h *handlerRecorder) handle(ctx context.Context, postID uint) error {
	h.mu.Lock()
	h.calls = append(h.calls, postID)
	err := h.err
	h.mu.Unlock()

	h.fired <- postID
	return err
}

func (h *handlerRecorder) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *handlerRecorder) waitForFire(t *testing.T, timeout time.Duration) uint {
	t.Helper()
	select {
	case id := <-h.fired:
		return id
	case <-time.After(timeout):
		t.Fatal("timed out waiting for job to fire")
		return 0
	}
}

// testStack wires the full service set against one in-memory database with a
// recording dispatcher handler.
type testStack struct {
	db        *gorm.DB
	cfg       *config.Config
	allocator *SlotAllocator
	posts     *PostService
	approvals *ApprovalService
	disp      *Dispatcher
	handler   *handlerRecorder
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	db := newTestDB(t)
	cfg := testConfig()
	logger := zap.NewNop()

	handler := newHandlerRecorder()
	disp := NewDispatcher(&cfg.Dispatcher, logger, handler.handle)
	t.Cleanup(disp.Stop)

	allocator := NewSlotAllocator(db, cfg, logger)
	builder := NewDestinationBuilder(db)
	posts := NewPostService(db, cfg, logger, allocator, builder, disp)
	approvals := NewApprovalService(db, cfg, logger, allocator, disp)

	return &testStack{
		db:        db,
		cfg:       cfg,
		allocator: allocator,
		posts:     posts,
		approvals: approvals,
		disp:      disp,
		handler:   handler,
	}
}
