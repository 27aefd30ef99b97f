package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"printflow-go/internal/service"
	"printflow-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// interactivePayload 是交互回调负载里本服务关心的字段。
type interactivePayload struct {
	Type string `json:"type"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	TriggerID   string `json:"trigger_id"`
	ResponseURL string `json:"response_url"`
	Channel     struct {
		ID string `json:"id"`
	} `json:"channel"`
	View struct {
		CallbackID      string `json:"callback_id"`
		PrivateMetadata string `json:"private_metadata"`
		State           struct {
			Values map[string]map[string]struct {
				Value          string `json:"value"`
				SelectedOption struct {
					Value string `json:"value"`
				} `json:"selected_option"`
			} `json:"values"`
		} `json:"state"`
	} `json:"view"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// InteractiveHandler 负责处理表单提交和按钮点击的回调。
type InteractiveHandler struct {
	events service.EventService
	chat   service.ChatGateway
}

// NewInteractiveHandler 创建一个新的 InteractiveHandler 实例。
func NewInteractiveHandler(events service.EventService, chatGW service.ChatGateway) *InteractiveHandler {
	return &InteractiveHandler{events: events, chat: chatGW}
}

// Handle 处理一次交互回调。负载在表单字段 payload 里以 JSON 投递。
func (h *InteractiveHandler) Handle(c *gin.Context) {
	raw := c.PostForm("payload")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "回调缺少 payload"})
		return
	}

	var payload interactivePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		log.Error("InteractiveHandler: 无法解析回调负载", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的回调负载"})
		return
	}

	switch payload.Type {
	case "view_submission":
		h.handleViewSubmission(c, payload)
	case "block_actions":
		h.handleBlockActions(c, payload)
	default:
		// 未知回调类型直接确认，避免平台重试。
		c.Status(http.StatusOK)
	}
}

// handleViewSubmission 处理模态表单提交。
func (h *InteractiveHandler) handleViewSubmission(c *gin.Context, payload interactivePayload) {
	selections := extractSelections(payload)

	var reply string
	var channelID string
	var err error

	switch payload.View.CallbackID {
	case "print_submission":
		channelID = payload.View.PrivateMetadata
		reply, err = h.events.HandleFormSubmission(c.Request.Context(), payload.User.ID, selections)
	case "legacy_confirm":
		uploadID, channel := splitConfirmMetadata(payload.View.PrivateMetadata)
		channelID = channel
		reply, err = h.events.HandleUploadConfirmation(c.Request.Context(), uploadID, payload.User.ID, channel, selections)
	default:
		c.Status(http.StatusOK)
		return
	}

	if err != nil {
		var vErr *service.ValidationError
		if errors.As(err, &vErr) {
			// 校验失败时让表单就地显示错误，而不是关掉表单。
			c.JSON(http.StatusOK, gin.H{
				"response_action": "errors",
				"errors":          gin.H{vErr.Field: service.UserMessage(err)},
			})
			return
		}
		log.Error("InteractiveHandler: 处理表单提交失败", err)
		h.notify(c, channelID, payload.User.ID, service.UserMessage(err))
		c.Status(http.StatusOK)
		return
	}

	h.notify(c, channelID, payload.User.ID, reply)
	c.Status(http.StatusOK)
}

// handleBlockActions 处理旧流程提示消息上的按钮点击。
func (h *InteractiveHandler) handleBlockActions(c *gin.Context, payload interactivePayload) {
	if len(payload.Actions) == 0 {
		c.Status(http.StatusOK)
		return
	}
	action := payload.Actions[0]

	switch action.ActionID {
	case "open_confirm":
		if err := h.events.OpenConfirmView(c.Request.Context(), payload.TriggerID, action.Value, payload.Channel.ID); err != nil {
			log.Error("InteractiveHandler: 打开补充表单失败", err)
			h.notify(c, payload.Channel.ID, payload.User.ID, service.UserMessage(err))
		}
	case "cancel_upload":
		reply, err := h.events.HandleUploadCancellation(c.Request.Context(), action.Value)
		if err != nil {
			log.Error("InteractiveHandler: 取消上传失败", err)
			reply = service.UserMessage(err)
		}
		if payload.ResponseURL != "" {
			if err := h.chat.RespondTo(c.Request.Context(), payload.ResponseURL, reply); err != nil {
				log.Warnf("InteractiveHandler: 回复取消结果失败: %v", err)
			}
		}
	}
	c.Status(http.StatusOK)
}

// notify 尽力把结果消息发给用户，频道未知时跳过。
func (h *InteractiveHandler) notify(c *gin.Context, channelID, userID, text string) {
	if channelID == "" || userID == "" || text == "" {
		return
	}
	if err := h.chat.SendEphemeral(c.Request.Context(), channelID, userID, text); err != nil {
		log.Warnf("InteractiveHandler: 发送结果消息失败: %v", err)
	}
}

// extractSelections 把表单状态拍平成 字段名 -> 取值 的映射。
// 下拉框取 selected_option.value，文本框取 value。
func extractSelections(payload interactivePayload) map[string]string {
	selections := make(map[string]string)
	for blockID, actions := range payload.View.State.Values {
		for _, state := range actions {
			if state.SelectedOption.Value != "" {
				selections[blockID] = state.SelectedOption.Value
			} else {
				selections[blockID] = state.Value
			}
		}
	}
	return selections
}

// splitConfirmMetadata 拆出 private_metadata 里的 uploadID 和频道。
func splitConfirmMetadata(metadata string) (uploadID, channelID string) {
	parts := strings.SplitN(metadata, "|", 2)
	uploadID = parts[0]
	if len(parts) > 1 {
		channelID = parts[1]
	}
	return uploadID, channelID
}
