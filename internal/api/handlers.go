package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"instsync/internal/install"
	"instsync/internal/instance"
	"instsync/internal/lock"
	"instsync/internal/metrics"
	"instsync/internal/task"
)

type installRequest struct {
	Instance string          `json:"instance" binding:"required"`
	Files    []instance.File `json:"files"`
	OldFiles []instance.File `json:"old_files"`
}

type diffRequest struct {
	Instance string          `json:"instance" binding:"required"`
	Files    []instance.File `json:"files"`
	OldFiles []instance.File `json:"old_files"`
}

type createTaskResponse struct {
	TaskID string     `json:"task_id"`
	State  task.State `json:"state"`
}

type pendingResponse struct {
	Instance string          `json:"instance"`
	Files    []instance.File `json:"files"`
}

type diffResponse struct {
	Operations []instance.FileOperation `json:"operations"`
}

type API struct {
	taskManager *task.Manager
	engine      *install.Engine
}

func NewAPI(taskManager *task.Manager, engine *install.Engine) *API {
	return &API{taskManager: taskManager, engine: engine}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/install", a.StartInstall)
		api.GET("/install/pending", a.PendingInstall)
		api.POST("/diff", a.Diff)
		api.GET("/tasks/:id", a.GetTask)
		api.POST("/tasks/:id/cancel", a.CancelTask)
		api.POST("/tasks/:id/pause", a.PauseTask)
		api.POST("/tasks/:id/resume", a.ResumeTask)
	}
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// StartInstall submits an install run and returns its root task id
func (a *API) StartInstall(c *gin.Context) {
	if a.taskManager.IsBusy() {
		log.Warn().Msg("rejecting install: server is at max concurrency")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
		return
	}
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid install request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	root := a.engine.Install(install.Request{
		InstancePath: req.Instance,
		Files:        req.Files,
		OldFiles:     req.OldFiles,
	})
	if err := a.taskManager.Submit(root); err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("task_id", root.ID()).Str("instance", req.Instance).Int("files", len(req.Files)).Msg("install submitted")
	c.JSON(http.StatusAccepted, createTaskResponse{TaskID: root.ID(), State: root.State()})
}

// PendingInstall lists the files an interrupted run left behind
func (a *API) PendingInstall(c *gin.Context) {
	instancePath := c.Query("instance")
	if instancePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instance is required"})
		return
	}
	files, err := a.engine.Check(c.Request.Context(), instancePath)
	if err != nil {
		writeError(c, err)
		return
	}
	if files == nil {
		files = []instance.File{}
	}
	c.JSON(http.StatusOK, pendingResponse{Instance: instancePath, Files: files})
}

// Diff reports the operations an install would perform
func (a *API) Diff(c *gin.Context) {
	var req diffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid diff request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ops, err := a.engine.Diff(c.Request.Context(), req.Instance, req.OldFiles, req.Files)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, diffResponse{Operations: ops})
}

// GetTask returns the task tree snapshot
func (a *API) GetTask(c *gin.Context) {
	id := c.Param("id")
	if snap, ok := a.taskManager.Snapshot(id); ok {
		c.JSON(http.StatusOK, snap)
		return
	}
	log.Warn().Str("task_id", id).Msg("task not found on get")
	c.JSON(http.StatusNotFound, gin.H{"error": task.ErrTaskNotFound.Error()})
}

func (a *API) CancelTask(c *gin.Context) { a.control(c, "cancel", a.taskManager.Cancel) }
func (a *API) PauseTask(c *gin.Context)  { a.control(c, "pause", a.taskManager.Pause) }
func (a *API) ResumeTask(c *gin.Context) { a.control(c, "resume", a.taskManager.Resume) }

func (a *API) control(c *gin.Context, action string, fn func(string) error) {
	id := c.Param("id")
	if err := fn(id); err != nil {
		log.Warn().Str("task_id", id).Str("action", action).Err(err).Msg("task control rejected")
		writeError(c, err)
		return
	}
	snap, _ := a.taskManager.Snapshot(id)
	log.Info().Str("task_id", id).Str("action", action).Msg("task control applied")
	c.JSON(http.StatusOK, snap)
}

func writeError(c *gin.Context, err error) {
	var (
		transitionErr *task.TransitionError
		pathErr       *instance.InvalidPathError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrBusy):
		status = http.StatusServiceUnavailable
	case errors.As(err, &transitionErr), errors.Is(err, lock.ErrLockTimeout):
		status = http.StatusConflict
	case errors.As(err, &pathErr):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
