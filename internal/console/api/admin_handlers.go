package api

import (
	"context"
	"log"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"vmops-console/internal/console/services"
)

// AdminHandler exposes manual triggers for the poll cycle and the
// snapshot sweeper, mainly for operators and integration checks.
type AdminHandler struct {
	Poll      *services.PollService
	Snapshots *services.SnapshotCoordinator
}

func NewAdminHandler(poll *services.PollService, snapshots *services.SnapshotCoordinator) *AdminHandler {
	return &AdminHandler{Poll: poll, Snapshots: snapshots}
}

func (h *AdminHandler) TriggerPollCycle(ctx context.Context, c *app.RequestContext) {
	log.Println("Manual poll cycle triggered via API")
	h.Poll.RunPollCycle(ctx)
	c.JSON(http.StatusOK, utils.H{"message": "Poll cycle completed"})
}

func (h *AdminHandler) TriggerSnapshotSweep(ctx context.Context, c *app.RequestContext) {
	log.Println("Manual snapshot sweep triggered via API")
	h.Snapshots.SweepExpired(ctx)
	c.JSON(http.StatusOK, utils.H{"message": "Snapshot sweep completed"})
}

func Ping(ctx context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, utils.H{"message": "pong"})
}
