package api

import (
	"github.com/cloudwego/hertz/pkg/app/server"
)

// RegisterRoutes wires all console endpoints onto the server.
func RegisterRoutes(h *server.Hertz, tasks *TaskHandler, history *HistoryHandler, snapshots *SnapshotHandler, admin *AdminHandler) {
	h.GET("/ping", Ping)

	taskGroup := h.Group("/tasks")
	{
		taskGroup.POST("", tasks.CreateTask)
		taskGroup.GET("", tasks.GetTasks)
		taskGroup.GET("/:id", tasks.GetTaskByID)
		taskGroup.POST("/:id/cancel", tasks.CancelTask)
	}

	historyGroup := h.Group("/history")
	{
		historyGroup.GET("", history.GetHistory)
		historyGroup.GET("/:id", history.GetHistoryByID)
	}

	h.GET("/snapshots", snapshots.GetSnapshots)
	h.GET("/snapshots/host/:id", snapshots.GetRemoteSnapshots)

	adminGroup := h.Group("/admin")
	{
		adminGroup.POST("/scheduler/run", admin.TriggerPollCycle)
		adminGroup.POST("/snapshots/sweep", admin.TriggerSnapshotSweep)
	}
}
