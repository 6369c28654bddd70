package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/apk-behavior-go/internal/domain"
	"github.com/apk-analysis/apk-behavior-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	progressWriteWait  = 10 * time.Second
	progressClientSize = 16
)

// progressClient 一个 WebSocket 订阅者
type progressClient struct {
	taskID string
	send   chan *domain.TaskEvent
}

// ProgressHub 任务进度推送
// 实现 service.EventSink，服务发布的事件按 task_id 转发给订阅的 WebSocket 连接
type ProgressHub struct {
	service  service.AnalysisService
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	clients     map[string]map[*progressClient]struct{}
	clientMutex sync.RWMutex
	broadcast   chan *domain.TaskEvent
}

// NewProgressHub 创建进度推送处理器
func NewProgressHub(svc service.AnalysisService, logger *logrus.Logger) *ProgressHub {
	return &ProgressHub{
		service: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
		logger:    logger,
		clients:   make(map[string]map[*progressClient]struct{}),
		broadcast: make(chan *domain.TaskEvent, 100),
	}
}

// SetService 设置查询任务快照的服务；服务依赖 hub 发布事件，因此在服务创建后注入
func (h *ProgressHub) SetService(svc service.AnalysisService) {
	h.service = svc
}

// Start 启动广播协程，ctx 结束时退出
func (h *ProgressHub) Start(ctx context.Context) {
	go h.runBroadcaster(ctx)
}

// Publish 发布任务事件，队列已满时丢弃
func (h *ProgressHub) Publish(event *domain.TaskEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithFields(logrus.Fields{
			"task_id": event.TaskID,
			"status":  event.Status,
		}).Warn("Progress broadcast channel full, event dropped")
	}
}

func (h *ProgressHub) runBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.broadcast:
			h.clientMutex.RLock()
			for client := range h.clients[event.TaskID] {
				select {
				case client.send <- event:
				default:
					h.logger.WithField("task_id", event.TaskID).Warn("Progress client too slow, event dropped")
				}
			}
			h.clientMutex.RUnlock()
		}
	}
}

func (h *ProgressHub) register(taskID string) *progressClient {
	client := &progressClient{
		taskID: taskID,
		send:   make(chan *domain.TaskEvent, progressClientSize),
	}

	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	if h.clients[taskID] == nil {
		h.clients[taskID] = make(map[*progressClient]struct{})
	}
	h.clients[taskID][client] = struct{}{}
	return client
}

func (h *ProgressHub) unregister(client *progressClient) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	delete(h.clients[client.taskID], client)
	if len(h.clients[client.taskID]) == 0 {
		delete(h.clients, client.taskID)
	}
}

// Subscribers 任务当前的订阅连接数
func (h *ProgressHub) Subscribers(taskID string) int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients[taskID])
}

// HandleWebSocket 推送任务状态和命中数，任务结束后关闭连接
// GET /api/analyses/:task_id/ws
func (h *ProgressHub) HandleWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	ctx := c.Request.Context()

	// 先订阅再取快照，两者之间发布的事件不会丢失
	client := h.register(taskID)
	defer h.unregister(client)

	task, err := h.service.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
			return
		}
		h.logger.WithError(err).WithField("task_id", taskID).Error("Failed to get analysis")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务失败"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).WithField("task_id", taskID).Error("Failed to upgrade websocket")
		return
	}
	defer conn.Close()

	log := h.logger.WithField("task_id", taskID)
	log.Info("Progress client connected")

	if err := h.write(conn, h.snapshot(ctx, task)); err != nil {
		log.WithError(err).Warn("Failed to send task snapshot")
		return
	}
	if task.Status.IsTerminal() {
		h.close(conn)
		return
	}

	// 客户端只需要接收，读循环用于感知断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.WithError(err).Warn("Progress connection closed unexpectedly")
				}
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			log.Info("Progress client disconnected")
			return
		case <-ctx.Done():
			return
		case event := <-client.send:
			if err := h.write(conn, event); err != nil {
				log.WithError(err).Warn("Failed to push task event")
				return
			}
			if event.Status.IsTerminal() {
				h.close(conn)
				return
			}
		}
	}
}

// snapshot 当前任务状态，已完成的任务附带按规则的命中数
func (h *ProgressHub) snapshot(ctx context.Context, task *domain.AnalysisTask) *domain.TaskEvent {
	event := domain.NewTaskEvent(task)
	if task.Status != domain.TaskStatusCompleted {
		return event
	}

	counts, err := h.service.Summary(ctx, task.ID)
	if err != nil {
		h.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to summarize reports")
		return event
	}
	event.Hits = make(map[string]int, len(counts))
	for _, rc := range counts {
		event.Hits[rc.RuleName] = int(rc.Count)
	}
	return event
}

func (h *ProgressHub) write(conn *websocket.Conn, event *domain.TaskEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(progressWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

func (h *ProgressHub) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(progressWriteWait)); err != nil {
		h.logger.WithError(err).Debug("Failed to send close frame")
	}
}
