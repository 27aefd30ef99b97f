package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"printflow-go/internal/config"
	"printflow-go/internal/model"
	"printflow-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	tasks []tasks.SubmissionTask
	err   error
}

func (f *fakeProducer) Produce(task tasks.SubmissionTask) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeChat struct {
	file        model.FileRef
	fileErr     error
	displayName string
	nameErr     error
	fileData    []byte
	downloadErr error

	ephemerals   []string
	responses    []string
	responseURLs []string
	blockTexts   []string
	blocks       []json.RawMessage
	openedViews  []json.RawMessage
}

func (f *fakeChat) SendEphemeral(_ context.Context, _, _, text string) error {
	f.ephemerals = append(f.ephemerals, text)
	return nil
}

func (f *fakeChat) RespondTo(_ context.Context, responseURL, text string) error {
	f.responseURLs = append(f.responseURLs, responseURL)
	f.responses = append(f.responses, text)
	return nil
}

func (f *fakeChat) RespondWithBlocks(_ context.Context, responseURL, text string, blocks json.RawMessage) error {
	f.responseURLs = append(f.responseURLs, responseURL)
	f.blockTexts = append(f.blockTexts, text)
	f.blocks = append(f.blocks, blocks)
	return nil
}

func (f *fakeChat) OpenView(_ context.Context, _ string, view json.RawMessage) (string, error) {
	f.openedViews = append(f.openedViews, view)
	return "V1", nil
}

func (f *fakeChat) GetFileInfo(_ context.Context, fileID string) (model.FileRef, error) {
	if f.fileErr != nil {
		return model.FileRef{}, f.fileErr
	}
	file := f.file
	if file.ID == "" {
		file.ID = fileID
	}
	return file, nil
}

func (f *fakeChat) GetUserDisplayName(_ context.Context, _ string) (string, error) {
	return f.displayName, f.nameErr
}

func (f *fakeChat) DownloadFile(_ context.Context, _ model.FileRef) ([]byte, error) {
	return f.fileData, f.downloadErr
}

type fakeStorer struct {
	objectNames []string
	url         string
	err         error
}

func (f *fakeStorer) UploadBytes(_ context.Context, objectName string, _ []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.objectNames = append(f.objectNames, objectName)
	return f.url, nil
}

type fakeOptions struct {
	options map[string][]string
}

func (f *fakeOptions) GetOptions(_ context.Context, kind string) ([]string, error) {
	opts, ok := f.options[kind]
	if !ok {
		return nil, errors.New("未配置选项区间: " + kind)
	}
	return opts, nil
}

type eventFixture struct {
	svc      *eventService
	subs     SubmissionService
	producer *fakeProducer
	chat     *fakeChat
	storer   *fakeStorer
}

func newEventFixture(t *testing.T, subCfg config.SubmissionConfig) *eventFixture {
	t.Helper()
	if subCfg.WaitlistTTLMinutes == 0 {
		subCfg.WaitlistTTLMinutes = 2
	}
	if subCfg.PendingUploadTTLMinutes == 0 {
		subCfg.PendingUploadTTLMinutes = 5
	}

	producer := &fakeProducer{}
	chatGW := &fakeChat{
		file:        model.FileRef{Name: "part.stl", MimeType: "model/stl", DownloadURL: "https://files/part.stl"},
		displayName: "张三",
		fileData:    []byte("solid part"),
	}
	storer := &fakeStorer{url: "https://store/part.stl"}
	options := &fakeOptions{options: map[string][]string{
		"project":  {"mars-rover", "drone"},
		"printer":  {"prusa-mk4"},
		"material": {"PLA", "PETG"},
	}}

	subs := NewSubmissionService(subCfg)
	svc := NewEventService(subs, producer, chatGW, storer, options, subCfg).(*eventService)
	return &eventFixture{svc: svc, subs: subs, producer: producer, chat: chatGW, storer: storer}
}

func fileEvent(fileID, userID, channelID string) model.FileSharedEvent {
	return model.FileSharedEvent{FileID: fileID, UserID: userID, ChannelID: channelID}
}

func TestHandleCommandOpensForm(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{})

	reply, err := fx.svc.HandleCommand(context.Background(), model.CommandInvocation{
		ChannelID: "C1", UserID: "U1", TriggerID: "T1",
	})
	require.NoError(t, err)
	assert.Empty(t, reply)
	require.Len(t, fx.chat.openedViews, 1)

	// 表单携带回调标识和频道，选项来自选项仓库
	view := string(fx.chat.openedViews[0])
	assert.Contains(t, view, `"callback_id":"print_submission"`)
	assert.Contains(t, view, `"private_metadata":"C1"`)
	assert.Contains(t, view, "prusa-mk4")
}

func TestHandleCommandFastPath(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{})

	reply, err := fx.svc.HandleCommand(context.Background(), model.CommandInvocation{
		ChannelID: "C1", UserID: "U1", Text: "F12345 急件",
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "part.stl")

	// 快速路径绕过状态机直接投递任务
	require.Len(t, fx.producer.tasks, 1)
	task := fx.producer.tasks[0]
	assert.Equal(t, tasks.SourceInline, task.Source)
	assert.Equal(t, "F12345", task.FileID)
	assert.Equal(t, "U1", task.RequesterID)
	assert.Equal(t, "F12345 急件", task.Selections["notes"])
	assert.Len(t, fx.chat.openedViews, 0)
}

func TestHandleCommandLegacyRegistersWait(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{LegacyMode: true})

	reply, err := fx.svc.HandleCommand(context.Background(), model.CommandInvocation{
		ChannelID: "C1", UserID: "U1", ResponseURL: "https://respond/1",
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "2 分钟")
	assert.Len(t, fx.chat.openedViews, 0)

	entry, outcome := fx.subs.ResolveWait("C1", "U1", time.Now())
	require.Equal(t, WaitMatched, outcome)
	assert.Equal(t, "https://respond/1", entry.ResponseURL)
}

func TestFormThenFileSharedDispatchesTask(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{})

	reply, err := fx.svc.HandleFormSubmission(context.Background(), "U1", validSelections())
	require.NoError(t, err)
	assert.Contains(t, reply, "上传")

	require.NoError(t, fx.svc.HandleFileShared(context.Background(), fileEvent("F9", "U1", "C1")))

	require.Len(t, fx.producer.tasks, 1)
	task := fx.producer.tasks[0]
	assert.Equal(t, tasks.SourceForm, task.Source)
	assert.Equal(t, "F9", task.FileID)
	assert.Equal(t, "mars-rover", task.Selections["project"])
	assert.Equal(t, "C1", task.ChannelID)

	// 提交已消费，后续文件事件静默忽略
	require.NoError(t, fx.svc.HandleFileShared(context.Background(), fileEvent("F10", "U1", "C1")))
	assert.Len(t, fx.producer.tasks, 1)
}

func TestFormSubmissionReplacementNoted(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{})

	_, err := fx.svc.HandleFormSubmission(context.Background(), "U1", validSelections())
	require.NoError(t, err)

	reply, err := fx.svc.HandleFormSubmission(context.Background(), "U1", validSelections())
	require.NoError(t, err)
	assert.Contains(t, reply, "替换")
}

func TestFileSharedWithoutAnyRequestIsIgnored(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{})

	require.NoError(t, fx.svc.HandleFileShared(context.Background(), fileEvent("F9", "U1", "C1")))

	assert.Len(t, fx.producer.tasks, 0)
	assert.Len(t, fx.chat.ephemerals, 0)
	assert.Len(t, fx.chat.responses, 0)
}

func TestFileSharedMissingFieldsIgnored(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{})

	require.NoError(t, fx.svc.HandleFileShared(context.Background(), model.FileSharedEvent{FileID: "F9"}))
	require.NoError(t, fx.svc.HandleFileShared(context.Background(), model.FileSharedEvent{UserID: "U1"}))
	assert.Len(t, fx.producer.tasks, 0)
}

func TestLegacyWaitMatchUploadsAndPrompts(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{LegacyMode: true})

	_, err := fx.svc.HandleCommand(context.Background(), model.CommandInvocation{
		ChannelID: "C1", UserID: "U1", ResponseURL: "https://respond/1",
	})
	require.NoError(t, err)

	require.NoError(t, fx.svc.HandleFileShared(context.Background(), fileEvent("F9", "U1", "C1")))

	// 文件先行入库，任务要等用户确认后才投递
	require.Len(t, fx.storer.objectNames, 1)
	assert.Equal(t, "prints/inbox/F9/part.stl", fx.storer.objectNames[0])
	assert.Len(t, fx.producer.tasks, 0)

	// 提示消息带确认/取消按钮，走等待项登记时的回复句柄
	require.Len(t, fx.chat.blocks, 1)
	assert.Equal(t, "https://respond/1", fx.chat.responseURLs[0])
	blocks := string(fx.chat.blocks[0])
	assert.Contains(t, blocks, `"action_id":"open_confirm"`)
	assert.Contains(t, blocks, `"action_id":"cancel_upload"`)
}

func TestLegacyConfirmDispatchesTask(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{LegacyMode: true})

	_, err := fx.svc.HandleCommand(context.Background(), model.CommandInvocation{
		ChannelID: "C1", UserID: "U1", ResponseURL: "https://respond/1",
	})
	require.NoError(t, err)
	require.NoError(t, fx.svc.HandleFileShared(context.Background(), fileEvent("F9", "U1", "C1")))

	uploadID := extractUploadID(t, fx.chat.blocks[0])
	reply, err := fx.svc.HandleUploadConfirmation(context.Background(), uploadID, "U1", "C1", validSelections())
	require.NoError(t, err)
	assert.Contains(t, reply, "已登记")

	require.Len(t, fx.producer.tasks, 1)
	task := fx.producer.tasks[0]
	assert.Equal(t, tasks.SourceLegacy, task.Source)
	// 文件已入库，管道无需重新下载
	assert.Equal(t, "https://store/part.stl", task.StoredObjectURL)
	assert.Equal(t, "mars-rover", task.Selections["project"])
}

func TestLegacyCancelStopsDispatch(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{LegacyMode: true})

	_, err := fx.svc.HandleCommand(context.Background(), model.CommandInvocation{
		ChannelID: "C1", UserID: "U1", ResponseURL: "https://respond/1",
	})
	require.NoError(t, err)
	require.NoError(t, fx.svc.HandleFileShared(context.Background(), fileEvent("F9", "U1", "C1")))

	uploadID := extractUploadID(t, fx.chat.blocks[0])
	reply, err := fx.svc.HandleUploadCancellation(context.Background(), uploadID)
	require.NoError(t, err)
	assert.Contains(t, reply, "取消")

	_, err = fx.svc.HandleUploadConfirmation(context.Background(), uploadID, "U1", "C1", validSelections())
	var sErr *StateError
	assert.ErrorAs(t, err, &sErr)
	assert.Len(t, fx.producer.tasks, 0)
}

func TestLegacyExpiredWaitNotifiesUser(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{LegacyMode: true})

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	subsSvc := fx.subs.(*submissionService)
	subsSvc.now = func() time.Time { return base }
	fx.svc.now = func() time.Time { return base.Add(130 * time.Second) }

	_, err := fx.svc.HandleCommand(context.Background(), model.CommandInvocation{
		ChannelID: "C1", UserID: "U1", ResponseURL: "https://respond/1",
	})
	require.NoError(t, err)

	require.NoError(t, fx.svc.HandleFileShared(context.Background(), fileEvent("F9", "U1", "C1")))

	// 窗口已过：不上传、不投递，只提示用户重试
	assert.Len(t, fx.storer.objectNames, 0)
	assert.Len(t, fx.producer.tasks, 0)
	require.Len(t, fx.chat.responses, 1)
	assert.Contains(t, fx.chat.responses[0], "过期")
}

func TestLegacyDisplayNameDegrades(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{LegacyMode: true})
	fx.chat.nameErr = errors.New("users.info failed")

	_, err := fx.svc.HandleCommand(context.Background(), model.CommandInvocation{
		ChannelID: "C1", UserID: "U1", ResponseURL: "https://respond/1",
	})
	require.NoError(t, err)
	require.NoError(t, fx.svc.HandleFileShared(context.Background(), fileEvent("F9", "U1", "C1")))

	uploadID := extractUploadID(t, fx.chat.blocks[0])
	up, err := fx.subs.ConfirmPendingUpload(uploadID, validSelections())
	require.NoError(t, err)
	assert.Equal(t, "未知用户", up.SubmitterDisplayName)
}

func TestLegacyUploadFailureNotifies(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{LegacyMode: true})
	fx.storer.err = errors.New("minio unavailable")

	_, err := fx.svc.HandleCommand(context.Background(), model.CommandInvocation{
		ChannelID: "C1", UserID: "U1", ResponseURL: "https://respond/1",
	})
	require.NoError(t, err)

	err = fx.svc.HandleFileShared(context.Background(), fileEvent("F9", "U1", "C1"))
	var uErr *UpstreamError
	require.ErrorAs(t, err, &uErr)

	require.Len(t, fx.chat.responses, 1)
	assert.Contains(t, fx.chat.responses[0], "出错")
}

func TestOpenConfirmViewCarriesMetadata(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{})

	require.NoError(t, fx.svc.OpenConfirmView(context.Background(), "T1", "UP1", "C1"))

	require.Len(t, fx.chat.openedViews, 1)
	view := string(fx.chat.openedViews[0])
	assert.Contains(t, view, `"callback_id":"legacy_confirm"`)
	assert.Contains(t, view, `"private_metadata":"UP1|C1"`)
}

func TestHandleCommandProduceFailure(t *testing.T) {
	fx := newEventFixture(t, config.SubmissionConfig{})
	fx.producer.err = errors.New("kafka down")

	_, err := fx.svc.HandleCommand(context.Background(), model.CommandInvocation{
		ChannelID: "C1", UserID: "U1", Text: "F12345",
	})
	var uErr *UpstreamError
	assert.ErrorAs(t, err, &uErr)
}

// extractUploadID 从提示按钮的 value 里取出 uploadID。
func extractUploadID(t *testing.T, blocks json.RawMessage) string {
	t.Helper()
	var parsed []struct {
		Elements []struct {
			Value string `json:"value"`
		} `json:"elements"`
	}
	require.NoError(t, json.Unmarshal(blocks, &parsed))
	for _, b := range parsed {
		for _, e := range b.Elements {
			if e.Value != "" {
				return e.Value
			}
		}
	}
	t.Fatal("按钮里没有 uploadID")
	return ""
}
