// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"printflow-go/internal/model"
	"printflow-go/internal/service"
	"printflow-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// CommandHandler 负责处理斜杠命令的 webhook 请求。
type CommandHandler struct {
	events service.EventService
}

// NewCommandHandler 创建一个新的 CommandHandler 实例。
func NewCommandHandler(events service.EventService) *CommandHandler {
	return &CommandHandler{events: events}
}

// Handle 处理一次命令触发。平台以表单编码投递命令负载。
// 无论成功失败都回 200：非 200 会让平台在用户侧显示原始错误。
func (h *CommandHandler) Handle(c *gin.Context) {
	cmd := model.CommandInvocation{
		ChannelID:   c.PostForm("channel_id"),
		UserID:      c.PostForm("user_id"),
		TriggerID:   c.PostForm("trigger_id"),
		ResponseURL: c.PostForm("response_url"),
		Text:        c.PostForm("text"),
	}
	if cmd.ChannelID == "" || cmd.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "命令负载缺少必要字段"})
		return
	}

	reply, err := h.events.HandleCommand(c.Request.Context(), cmd)
	if err != nil {
		log.Error("HandleCommand: 处理命令失败", err)
		c.JSON(http.StatusOK, gin.H{
			"response_type": "ephemeral",
			"text":          service.UserMessage(err),
		})
		return
	}

	if reply == "" {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"response_type": "ephemeral",
		"text":          reply,
	})
}
