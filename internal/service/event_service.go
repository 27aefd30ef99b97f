package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"printflow-go/internal/config"
	"printflow-go/internal/model"
	"printflow-go/internal/repository"
	"printflow-go/pkg/chat"
	"printflow-go/pkg/log"
	"printflow-go/pkg/tasks"
)

// TaskProducer 抽象上传记录任务的投递，生产实现走 Kafka。
type TaskProducer interface {
	Produce(task tasks.SubmissionTask) error
}

// ChatGateway 是路由层用到的聊天平台操作子集。
type ChatGateway interface {
	SendEphemeral(ctx context.Context, channelID, userID, text string) error
	RespondTo(ctx context.Context, responseURL, text string) error
	RespondWithBlocks(ctx context.Context, responseURL, text string, blocks json.RawMessage) error
	OpenView(ctx context.Context, triggerID string, view json.RawMessage) (string, error)
	GetFileInfo(ctx context.Context, fileID string) (model.FileRef, error)
	GetUserDisplayName(ctx context.Context, userID string) (string, error)
	DownloadFile(ctx context.Context, file model.FileRef) ([]byte, error)
}

// FileStorer 抽象对象存储的上传操作。
type FileStorer interface {
	UploadBytes(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}

// EventService 接口定义了入站触发的分类与路由。
// 它只做关联和状态迁移，上传、记录、回复全部委托给协作方，
// 因此可以脱离网络调用单独测试。
type EventService interface {
	HandleCommand(ctx context.Context, cmd model.CommandInvocation) (string, error)
	HandleFormSubmission(ctx context.Context, requesterID string, selections map[string]string) (string, error)
	OpenConfirmView(ctx context.Context, triggerID, uploadID, channelID string) error
	HandleUploadConfirmation(ctx context.Context, uploadID, requesterID, channelID string, selections map[string]string) (string, error)
	HandleUploadCancellation(ctx context.Context, uploadID string) (string, error)
	HandleFileShared(ctx context.Context, evt model.FileSharedEvent) error
}

type eventService struct {
	subs     SubmissionService
	producer TaskProducer
	chat     ChatGateway
	storer   FileStorer
	options  repository.OptionRepository
	subCfg   config.SubmissionConfig
	now      func() time.Time
}

// NewEventService 创建一个新的 EventService 实例。
func NewEventService(subs SubmissionService, producer TaskProducer, chatGW ChatGateway, storer FileStorer, options repository.OptionRepository, subCfg config.SubmissionConfig) EventService {
	return &eventService{
		subs:     subs,
		producer: producer,
		chat:     chatGW,
		storer:   storer,
		options:  options,
		subCfg:   subCfg,
		now:      time.Now,
	}
}

// HandleCommand 处理一次斜杠命令触发。
// 文本里带文件引用时走快速路径，绕过状态机直接投递上传任务；
// 否则按产品模式打开表单或登记等待项。
func (s *eventService) HandleCommand(ctx context.Context, cmd model.CommandInvocation) (string, error) {
	log.Infof("[HandleCommand] 收到命令, 频道: %s, 用户: %s", cmd.ChannelID, cmd.UserID)

	if fileID := chat.ParseFileID(cmd.Text); fileID != "" {
		file, err := s.chat.GetFileInfo(ctx, fileID)
		if err != nil {
			return "", &UpstreamError{Op: "files.info", Err: err}
		}

		task := tasks.SubmissionTask{
			SubmissionID: newID(),
			Source:       tasks.SourceInline,
			RequesterID:  cmd.UserID,
			ChannelID:    cmd.ChannelID,
			FileID:       file.ID,
			FileName:     file.Name,
			MimeType:     file.MimeType,
			DownloadURL:  file.DownloadURL,
			Selections:   map[string]string{"notes": cmd.Text},
		}
		if err := s.producer.Produce(task); err != nil {
			return "", &UpstreamError{Op: "produce task", Err: err}
		}
		return fmt.Sprintf("已收到文件 %s，正在上传并登记，完成后会在频道里通知。", file.Name), nil
	}

	if s.subCfg.LegacyMode {
		s.subs.RegisterWait(cmd.ChannelID, cmd.UserID, cmd.ResponseURL)
		return fmt.Sprintf("未检测到文件。请在 %d 分钟内在本频道上传要打印的文件。", s.subCfg.WaitlistTTLMinutes), nil
	}

	view, err := s.buildSubmissionView(ctx, cmd.ChannelID)
	if err != nil {
		return "", &UpstreamError{Op: "build view", Err: err}
	}
	if _, err := s.chat.OpenView(ctx, cmd.TriggerID, view); err != nil {
		return "", &UpstreamError{Op: "views.open", Err: err}
	}
	// 表单已打开，命令本身无需回复正文。
	return "", nil
}

// HandleFormSubmission 处理表单提交：校验并登记一条等待文件的提交。
func (s *eventService) HandleFormSubmission(ctx context.Context, requesterID string, selections map[string]string) (string, error) {
	_, replaced, err := s.subs.CreateSubmission(requesterID, selections)
	if err != nil {
		return "", err
	}

	reply := "打印参数已登记，请在频道里上传要打印的文件完成提交。"
	if replaced {
		reply += "你之前未完成的提交已被本次替换。"
	}
	return reply, nil
}

// HandleUploadConfirmation 处理旧流程中用户补充元数据后的确认。
// 文件此前已入库，这里只需确认状态并投递记录任务。
func (s *eventService) HandleUploadConfirmation(ctx context.Context, uploadID, requesterID, channelID string, selections map[string]string) (string, error) {
	up, err := s.subs.ConfirmPendingUpload(uploadID, selections)
	if err != nil {
		return "", err
	}

	task := tasks.SubmissionTask{
		SubmissionID:    up.ID,
		Source:          tasks.SourceLegacy,
		RequesterID:     requesterID,
		ChannelID:       channelID,
		FileID:          up.SourceFile.ID,
		FileName:        up.SourceFile.Name,
		MimeType:        up.SourceFile.MimeType,
		DownloadURL:     up.SourceFile.DownloadURL,
		StoredObjectURL: up.StoredObjectURL,
		Selections:      selections,
	}
	if err := s.producer.Produce(task); err != nil {
		return "", &UpstreamError{Op: "produce task", Err: err}
	}
	return "打印请求已登记，完成后会在频道里通知。", nil
}

// HandleUploadCancellation 处理旧流程中用户取消补充元数据。
func (s *eventService) HandleUploadCancellation(ctx context.Context, uploadID string) (string, error) {
	if err := s.subs.CancelPendingUpload(uploadID); err != nil {
		return "", err
	}
	return "已取消本次上传登记。", nil
}

// HandleFileShared 处理一次文件共享事件。
// 路由顺序：等待文件的提交 → 等待队列 → 静默忽略。
// 没有任何在途请求时收到文件不是错误，是稳态噪声。
func (s *eventService) HandleFileShared(ctx context.Context, evt model.FileSharedEvent) error {
	requester := evt.Requester()
	channel := evt.Channel()
	if requester == "" || evt.FileID == "" {
		log.Warnf("[HandleFileShared] 事件缺少用户或文件字段，忽略")
		return nil
	}

	log.Infof("[HandleFileShared] 收到文件事件, 文件: %s, 用户: %s, 频道: %s", evt.FileID, requester, channel)

	if sub, ok := s.subs.FindAwaitingSubmission(requester); ok {
		if err := s.completeAndDispatch(ctx, sub, evt, channel); err != nil {
			var stateErr *StateError
			if !errors.As(err, &stateErr) {
				return err
			}
			// 并发的重复投递抢先完成了该提交，继续按无匹配处理。
			log.Infof("[HandleFileShared] 提交 %s 已被其他投递完成", sub.ID)
		} else {
			return nil
		}
	}

	entry, outcome := s.subs.ResolveWait(channel, requester, s.now())
	switch outcome {
	case WaitMatched:
		return s.startLegacyUpload(ctx, entry, evt)
	case WaitExpired:
		log.Infof("[HandleFileShared] 等待项已过期, 频道: %s, 用户: %s", channel, requester)
		if err := s.chat.RespondTo(ctx, entry.ResponseURL, "等待窗口已过期，本次上传未登记，请重新发起命令。"); err != nil {
			log.Warnf("[HandleFileShared] 发送过期提示失败: %v", err)
		}
		return nil
	default:
		log.Debugf("[HandleFileShared] 无在途请求匹配该文件，忽略")
		return nil
	}
}

// completeAndDispatch 完成一条提交并投递上传任务。
func (s *eventService) completeAndDispatch(ctx context.Context, sub *model.PendingSubmission, evt model.FileSharedEvent, channel string) error {
	file, err := s.chat.GetFileInfo(ctx, evt.FileID)
	if err != nil {
		s.notifyFailure(ctx, channel, sub.RequesterID)
		return &UpstreamError{Op: "files.info", Err: err}
	}

	completed, err := s.subs.CompleteSubmission(sub.ID, file)
	if err != nil {
		return err
	}

	task := tasks.SubmissionTask{
		SubmissionID: completed.ID,
		Source:       tasks.SourceForm,
		RequesterID:  completed.RequesterID,
		ChannelID:    channel,
		FileID:       file.ID,
		FileName:     file.Name,
		MimeType:     file.MimeType,
		DownloadURL:  file.DownloadURL,
		Selections:   completed.Selections,
	}
	if err := s.producer.Produce(task); err != nil {
		s.notifyFailure(ctx, channel, sub.RequesterID)
		return &UpstreamError{Op: "produce task", Err: err}
	}
	return nil
}

// startLegacyUpload 旧流程：文件先行入库，再让用户补充元数据。
func (s *eventService) startLegacyUpload(ctx context.Context, entry *model.WaitlistEntry, evt model.FileSharedEvent) error {
	file, err := s.chat.GetFileInfo(ctx, evt.FileID)
	if err != nil {
		s.notifyWaitFailure(ctx, entry)
		return &UpstreamError{Op: "files.info", Err: err}
	}

	data, err := s.chat.DownloadFile(ctx, file)
	if err != nil {
		s.notifyWaitFailure(ctx, entry)
		return &UpstreamError{Op: "download file", Err: err}
	}

	objectName := fmt.Sprintf("prints/inbox/%s/%s", file.ID, file.Name)
	storedURL, err := s.storer.UploadBytes(ctx, objectName, data, file.MimeType)
	if err != nil {
		s.notifyWaitFailure(ctx, entry)
		return &UpstreamError{Op: "upload object", Err: err}
	}

	// 显示名是尽力而为的补充信息，失败时降级为占位值。
	displayName, err := s.chat.GetUserDisplayName(ctx, entry.RequesterID)
	if err != nil {
		log.Warnf("[startLegacyUpload] 解析显示名失败: %v", err)
		displayName = "未知用户"
	}

	up := s.subs.CreatePendingUpload(file, storedURL, displayName)
	prompt := fmt.Sprintf("文件 %s 已上传。请在 %d 分钟内补充打印参数完成登记，或选择取消。",
		file.Name, s.subCfg.PendingUploadTTLMinutes)
	if err := s.chat.RespondWithBlocks(ctx, entry.ResponseURL, prompt, legacyPromptBlocks(up.ID, prompt)); err != nil {
		log.Warnf("[startLegacyUpload] 发送补充提示失败: %v", err)
	}
	return nil
}

// OpenConfirmView 为旧流程打开补充元数据的模态表单。
// uploadID 和频道通过 private_metadata 带回提交回调。
func (s *eventService) OpenConfirmView(ctx context.Context, triggerID, uploadID, channelID string) error {
	view, err := s.buildConfirmView(ctx, uploadID, channelID)
	if err != nil {
		return &UpstreamError{Op: "build view", Err: err}
	}
	if _, err := s.chat.OpenView(ctx, triggerID, view); err != nil {
		return &UpstreamError{Op: "views.open", Err: err}
	}
	return nil
}

// notifyFailure 尽力向用户回一条通用失败消息，不影响主流程的错误传播。
func (s *eventService) notifyFailure(ctx context.Context, channelID, userID string) {
	if channelID == "" || userID == "" {
		return
	}
	if err := s.chat.SendEphemeral(ctx, channelID, userID, "处理你的文件时出错了，请稍后重试。"); err != nil {
		log.Warnf("发送失败提示失败: %v", err)
	}
}

func (s *eventService) notifyWaitFailure(ctx context.Context, entry *model.WaitlistEntry) {
	if err := s.chat.RespondTo(ctx, entry.ResponseURL, "处理你的文件时出错了，请稍后重试。"); err != nil {
		log.Warnf("发送失败提示失败: %v", err)
	}
}

// buildSubmissionView 组装模态表单，选项列表来自表格的选项列（带缓存）。
// 频道 id 放进 private_metadata，表单提交回调用它定位回复目标。
func (s *eventService) buildSubmissionView(ctx context.Context, channelID string) (json.RawMessage, error) {
	blocks, err := s.formBlocks(ctx)
	if err != nil {
		return nil, err
	}

	view := map[string]interface{}{
		"type":             "modal",
		"callback_id":      "print_submission",
		"private_metadata": channelID,
		"title":            plainText("提交打印文件"),
		"submit":           plainText("提交"),
		"close":            plainText("取消"),
		"blocks":           blocks,
	}
	return json.Marshal(view)
}

// buildConfirmView 组装旧流程补充元数据的模态表单。
func (s *eventService) buildConfirmView(ctx context.Context, uploadID, channelID string) (json.RawMessage, error) {
	blocks, err := s.formBlocks(ctx)
	if err != nil {
		return nil, err
	}

	view := map[string]interface{}{
		"type":             "modal",
		"callback_id":      "legacy_confirm",
		"private_metadata": uploadID + "|" + channelID,
		"title":            plainText("补充打印参数"),
		"submit":           plainText("确认"),
		"close":            plainText("取消"),
		"blocks":           blocks,
	}
	return json.Marshal(view)
}

// formBlocks 组装项目/打印机/材料下拉框和备注输入框。
func (s *eventService) formBlocks(ctx context.Context) ([]map[string]interface{}, error) {
	blocks := make([]map[string]interface{}, 0, len(model.RequiredFields)+1)
	for _, field := range model.RequiredFields {
		options, err := s.options.GetOptions(ctx, field)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, selectBlock(field, fieldLabel(field), options))
	}
	blocks = append(blocks, map[string]interface{}{
		"type":     "input",
		"block_id": "notes",
		"optional": true,
		"label":    plainText(fieldLabel("notes")),
		"element": map[string]interface{}{
			"type":      "plain_text_input",
			"action_id": "value",
			"multiline": true,
		},
	})
	return blocks, nil
}

// legacyPromptBlocks 组装旧流程提示消息里的确认/取消按钮，按钮值携带 uploadID。
func legacyPromptBlocks(uploadID, prompt string) json.RawMessage {
	blocks := []map[string]interface{}{
		{
			"type": "section",
			"text": plainText(prompt),
		},
		{
			"type": "actions",
			"elements": []map[string]interface{}{
				{
					"type":      "button",
					"action_id": "open_confirm",
					"value":     uploadID,
					"text":      plainText("补充参数"),
					"style":     "primary",
				},
				{
					"type":      "button",
					"action_id": "cancel_upload",
					"value":     uploadID,
					"text":      plainText("取消"),
				},
			},
		},
	}
	data, _ := json.Marshal(blocks)
	return data
}

func selectBlock(blockID, label string, options []string) map[string]interface{} {
	opts := make([]map[string]interface{}, 0, len(options))
	for _, o := range options {
		opts = append(opts, map[string]interface{}{
			"text":  plainText(o),
			"value": o,
		})
	}
	return map[string]interface{}{
		"type":     "input",
		"block_id": blockID,
		"label":    plainText(label),
		"element": map[string]interface{}{
			"type":      "static_select",
			"action_id": "value",
			"options":   opts,
		},
	}
}

func plainText(text string) map[string]interface{} {
	return map[string]interface{}{"type": "plain_text", "text": text}
}

// fieldLabel 返回表单字段的用户可见名称。
func fieldLabel(field string) string {
	switch field {
	case "project":
		return "项目"
	case "printer":
		return "打印机"
	case "material":
		return "材料"
	case "notes":
		return "备注"
	default:
		return field
	}
}

// UserMessage 把内部错误转换成一条面向用户、不含技术细节的回复。
// 路由边界用它保证每条失败路径都给用户可操作的提示。
func UserMessage(err error) string {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return fmt.Sprintf("请把 %s 填写完整后重试。", fieldLabel(vErr.Field))
	}
	var eErr *ExpiredError
	if errors.As(err, &eErr) {
		return "等待窗口已过期，请重新发起提交。"
	}
	var sErr *StateError
	if errors.As(err, &sErr) {
		return "该请求已处理过，无需重复操作。"
	}
	return "处理失败，请稍后重试。"
}
