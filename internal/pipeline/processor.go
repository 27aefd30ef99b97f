// Package pipeline 实现上传入库与表格记录的处理管道。
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"printflow-go/internal/model"
	"printflow-go/pkg/log"
	"printflow-go/pkg/tasks"
)

// ChatGateway 是管道用到的聊天平台操作子集。
type ChatGateway interface {
	DownloadFile(ctx context.Context, file model.FileRef) ([]byte, error)
	GetUserDisplayName(ctx context.Context, userID string) (string, error)
	GetPermalink(ctx context.Context, channelID, messageTS string) (string, error)
	PostMessage(ctx context.Context, channelID, text string) error
	SendEphemeral(ctx context.Context, channelID, userID, text string) error
}

// ObjectStore 抽象对象存储的上传操作。
type ObjectStore interface {
	UploadBytes(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}

// SheetGateway 抽象表格服务的追加行操作。
type SheetGateway interface {
	AppendRow(ctx context.Context, values []string) error
}

// Processor 消费上传记录任务：下载文件（如需）、上传到对象存储、
// 补充展示信息、在表格里追加一行记录、在频道里通知结果。
type Processor struct {
	chat  ChatGateway
	store ObjectStore
	sheet SheetGateway
	now   func() time.Time
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(chatGW ChatGateway, store ObjectStore, sheet SheetGateway) *Processor {
	return &Processor{
		chat:  chatGW,
		store: store,
		sheet: sheet,
		now:   time.Now,
	}
}

// Process 处理一条上传记录任务。
// 上传与记录是关键路径；显示名和永久链接只是补充信息，
// 并发获取且失败时降级为占位值，绝不阻塞关键路径。
func (p *Processor) Process(ctx context.Context, task tasks.SubmissionTask) error {
	log.Infof("[Process] 开始处理任务, submission: %s, 来源: %s", task.SubmissionID, task.Source)

	viewURL := task.StoredObjectURL
	if viewURL == "" {
		file := model.FileRef{
			ID:          task.FileID,
			Name:        task.FileName,
			MimeType:    task.MimeType,
			DownloadURL: task.DownloadURL,
		}
		data, err := p.chat.DownloadFile(ctx, file)
		if err != nil {
			p.notifyFailure(ctx, task)
			return fmt.Errorf("下载文件失败 (file=%s): %w", task.FileID, err)
		}

		objectName := fmt.Sprintf("prints/%s/%s", task.SubmissionID, task.FileName)
		viewURL, err = p.store.UploadBytes(ctx, objectName, data, task.MimeType)
		if err != nil {
			p.notifyFailure(ctx, task)
			return fmt.Errorf("上传对象失败 (object=%s): %w", objectName, err)
		}
		log.Infof("[Process] 文件已入库, object: %s", objectName)
	}

	displayName, permalink := p.enrich(ctx, task)

	row := []string{
		p.now().Format("2006-01-02 15:04:05"),
		displayName,
		task.Selections["project"],
		task.Selections["printer"],
		task.Selections["material"],
		task.Selections["notes"],
		task.FileName,
		viewURL,
		permalink,
	}
	if err := p.sheet.AppendRow(ctx, row); err != nil {
		p.notifyFailure(ctx, task)
		return fmt.Errorf("追加表格记录失败: %w", err)
	}
	log.Infof("[Process] 表格记录已追加, submission: %s", task.SubmissionID)

	if task.ChannelID != "" {
		notice := fmt.Sprintf("%s 的打印文件 %s 已登记。查看: %s", displayName, task.FileName, viewURL)
		if err := p.chat.PostMessage(ctx, task.ChannelID, notice); err != nil {
			// 通知失败不算任务失败，记录和上传都已完成。
			log.Warnf("[Process] 发送频道通知失败: %v", err)
		}
	}
	return nil
}

// enrich 并发获取显示名和永久链接，各自失败时降级为占位值。
func (p *Processor) enrich(ctx context.Context, task tasks.SubmissionTask) (displayName, permalink string) {
	displayName = "未知用户"
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		name, err := p.chat.GetUserDisplayName(ctx, task.RequesterID)
		if err != nil {
			log.Warnf("[enrich] 解析显示名失败, 用户: %s, error: %v", task.RequesterID, err)
			return
		}
		if name != "" {
			displayName = name
		}
	}()

	if task.ChannelID != "" && task.FileID != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			link, err := p.chat.GetPermalink(ctx, task.ChannelID, task.FileID)
			if err != nil {
				log.Warnf("[enrich] 解析永久链接失败, error: %v", err)
				return
			}
			permalink = link
		}()
	}

	wg.Wait()
	return displayName, permalink
}

// notifyFailure 尽力把通用失败消息发给触发用户。
func (p *Processor) notifyFailure(ctx context.Context, task tasks.SubmissionTask) {
	if task.ChannelID == "" || task.RequesterID == "" {
		return
	}
	if err := p.chat.SendEphemeral(ctx, task.ChannelID, task.RequesterID, "你的打印文件处理失败了，请稍后重试。"); err != nil {
		log.Warnf("[notifyFailure] 发送失败提示失败: %v", err)
	}
}
