package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"printflow-go/internal/model"
	"printflow-go/internal/service"
	"printflow-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// eventCallback 是事件推送负载里本服务关心的字段。
type eventCallback struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type      string `json:"type"`
		FileID    string `json:"file_id"`
		UserID    string `json:"user_id"`
		ChannelID string `json:"channel_id"`
		Channel   string `json:"channel"`
		File      struct {
			User string `json:"user"`
		} `json:"file"`
	} `json:"event"`
}

// EventHandler 负责处理平台事件推送的 webhook 请求。
type EventHandler struct {
	events service.EventService
}

// NewEventHandler 创建一个新的 EventHandler 实例。
func NewEventHandler(events service.EventService) *EventHandler {
	return &EventHandler{events: events}
}

// Handle 处理一次事件推送。订阅握手回显 challenge，
// 业务事件先确认再处理，避免平台因超时重复投递。
func (h *EventHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取事件负载失败"})
		return
	}

	var cb eventCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		log.Error("EventHandler: 无法解析事件负载", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的事件负载"})
		return
	}

	if cb.Type == "url_verification" {
		c.JSON(http.StatusOK, gin.H{"challenge": cb.Challenge})
		return
	}

	c.Status(http.StatusOK)
	DispatchEventCallback(c.Request.Context(), h.events, body)
}

// DispatchEventCallback 解析一条 event_callback 负载并路由到业务处理。
// webhook 和长连接两种接入方式共用这一份分发逻辑。
func DispatchEventCallback(ctx context.Context, events service.EventService, body []byte) {
	var cb eventCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		log.Warnf("DispatchEventCallback: 无法解析事件负载: %v", err)
		return
	}
	if cb.Type != "event_callback" || cb.Event.Type != "file_shared" {
		return
	}

	evt := model.FileSharedEvent{
		FileID:         cb.Event.FileID,
		UserID:         cb.Event.UserID,
		FileOwnerID:    cb.Event.File.User,
		ChannelID:      cb.Event.ChannelID,
		EventChannelID: cb.Event.Channel,
	}
	if err := events.HandleFileShared(ctx, evt); err != nil {
		log.Error("DispatchEventCallback: 处理文件事件失败", err)
	}
}
