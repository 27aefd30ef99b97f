// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"printflow-go/internal/config"
	"printflow-go/internal/model"
	"printflow-go/internal/registry"
	"printflow-go/pkg/log"

	"github.com/google/uuid"
)

// ResolveWait 的三种结果。
const (
	WaitNone    = 0 // 没有等待项，静默忽略
	WaitMatched = 1 // 命中等待项，继续旧流程上传
	WaitExpired = 2 // 等待项存在但已过期且尚未被清扫，提示用户重试
)

// SubmissionService 接口定义了提交生命周期的全部状态迁移。
// 三个注册表都只在进程内存里，重启后在途状态丢失，调用方需从头重试。
type SubmissionService interface {
	CreateSubmission(requesterID string, selections map[string]string) (*model.PendingSubmission, bool, error)
	FindAwaitingSubmission(requesterID string) (*model.PendingSubmission, bool)
	CompleteSubmission(id string, file model.FileRef) (*model.PendingSubmission, error)

	CreatePendingUpload(file model.FileRef, storedObjectURL, displayName string) *model.PendingUpload
	ConfirmPendingUpload(id string, selections map[string]string) (*model.PendingUpload, error)
	CancelPendingUpload(id string) error

	RegisterWait(channelID, requesterID, responseURL string)
	ResolveWait(channelID, requesterID string, now time.Time) (*model.WaitlistEntry, int)

	Sweep(now time.Time) int
	StartSweeper(ctx context.Context, interval time.Duration)
}

type submissionService struct {
	// mu 串行化状态迁移：find+complete 可能被并发的事件投递同时触发，
	// 终态检查和写入必须相对其他投递原子。
	mu sync.Mutex

	submissions    *registry.Registry[string, *model.PendingSubmission]
	pendingUploads *registry.Registry[string, *model.PendingUpload]
	waitlist       *registry.Registry[string, *model.WaitlistEntry]

	waitlistTTL      time.Duration
	pendingUploadTTL time.Duration

	now func() time.Time
}

// NewSubmissionService 创建一个新的 SubmissionService 实例。
func NewSubmissionService(cfg config.SubmissionConfig) SubmissionService {
	return &submissionService{
		submissions:      registry.New[string, *model.PendingSubmission](),
		pendingUploads:   registry.New[string, *model.PendingUpload](),
		waitlist:         registry.New[string, *model.WaitlistEntry](),
		waitlistTTL:      time.Duration(cfg.WaitlistTTLMinutes) * time.Minute,
		pendingUploadTTL: time.Duration(cfg.PendingUploadTTLMinutes) * time.Minute,
		now:              time.Now,
	}
}

// CreateSubmission 校验必填字段并登记一条 AwaitingFile 记录。
// 同一请求者只保留一条在途提交：已有记录会被新提交替换，
// 第二个返回值指示是否发生了替换，由调用方提示用户。
func (s *submissionService) CreateSubmission(requesterID string, selections map[string]string) (*model.PendingSubmission, bool, error) {
	for _, field := range model.RequiredFields {
		if strings.TrimSpace(selections[field]) == "" {
			return nil, false, &ValidationError{Field: field}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	if prev, ok := s.findAwaitingLocked(requesterID); ok {
		s.submissions.Delete(prev.ID)
		replaced = true
		log.Infof("[CreateSubmission] 替换请求者 %s 的旧提交 %s", requesterID, prev.ID)
	}

	sub := &model.PendingSubmission{
		ID:          newID(),
		RequesterID: requesterID,
		Selections:  selections,
		Status:      model.SubmissionAwaitingFile,
		CreatedAt:   s.now(),
	}
	// AwaitingFile 记录没有过期时间：提交在匹配或进程重启前一直有效。
	s.submissions.Put(sub.ID, sub, 0)

	log.Infof("[CreateSubmission] 已登记提交 %s，请求者: %s", sub.ID, requesterID)
	return sub, replaced, nil
}

// FindAwaitingSubmission 线性扫描，返回该请求者第一条 AwaitingFile 记录。
// 匹配规则是"先找到即生效"，而不是最新或最精确——这是与在途量级匹配的有意简化。
func (s *submissionService) FindAwaitingSubmission(requesterID string) (*model.PendingSubmission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findAwaitingLocked(requesterID)
}

func (s *submissionService) findAwaitingLocked(requesterID string) (*model.PendingSubmission, bool) {
	var found *model.PendingSubmission
	s.submissions.Range(func(_ string, sub *model.PendingSubmission) bool {
		if sub.RequesterID == requesterID && sub.Status == model.SubmissionAwaitingFile {
			found = sub
			return false
		}
		return true
	})
	return found, found != nil
}

// CompleteSubmission 把 AwaitingFile 迁移到 Completed，并记录文件引用。
// id 未知或已完成时返回 StateError——这是对 webhook 重复投递的唯一幂等防线。
func (s *submissionService) CompleteSubmission(id string, file model.FileRef) (*model.PendingSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions.Get(id)
	if !ok {
		return nil, &StateError{ID: id, Reason: "提交不存在"}
	}
	if sub.Status != model.SubmissionAwaitingFile {
		return nil, &StateError{ID: id, Reason: "提交已完成"}
	}

	completedAt := s.now()
	sub.Status = model.SubmissionCompleted
	sub.CompletedAt = &completedAt
	sub.AttachedFile = &file

	log.Infof("[CompleteSubmission] 提交 %s 已关联文件 %s", id, file.ID)
	return sub, nil
}

// CreatePendingUpload 登记一条"文件已先行入库、等待补充元数据"的记录。
// 记录带固定超时：用户在窗口内确认或取消，否则由清扫移除。
func (s *submissionService) CreatePendingUpload(file model.FileRef, storedObjectURL, displayName string) *model.PendingUpload {
	up := &model.PendingUpload{
		ID:                   newID(),
		SourceFile:           file,
		StoredObjectURL:      storedObjectURL,
		SubmitterDisplayName: displayName,
		Status:               model.UploadCreated,
		CreatedAt:            s.now(),
	}
	s.pendingUploads.PutUntil(up.ID, up, s.now().Add(s.pendingUploadTTL))

	log.Infof("[CreatePendingUpload] 已登记待确认上传 %s，文件: %s", up.ID, file.Name)
	return up
}

// ConfirmPendingUpload 校验元数据并把待确认上传迁移到 Confirmed。
// 与 CompleteSubmission 相同的幂等防线：未知 id 或已终态返回 StateError。
func (s *submissionService) ConfirmPendingUpload(id string, selections map[string]string) (*model.PendingUpload, error) {
	for _, field := range model.RequiredFields {
		if strings.TrimSpace(selections[field]) == "" {
			return nil, &ValidationError{Field: field}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.pendingUploads.Get(id)
	if !ok {
		return nil, &StateError{ID: id, Reason: "待确认上传不存在"}
	}
	if up.Status != model.UploadCreated {
		return nil, &StateError{ID: id, Reason: "待确认上传已处理"}
	}
	if deadline, ok := s.pendingUploads.Deadline(id); ok && !deadline.IsZero() && !deadline.After(s.now()) {
		// 过期但尚未被清扫：按过期处理并立即移除。
		s.pendingUploads.Delete(id)
		return nil, &ExpiredError{What: "确认窗口"}
	}

	up.Status = model.UploadConfirmed
	s.pendingUploads.Delete(id)

	log.Infof("[ConfirmPendingUpload] 待确认上传 %s 已确认", id)
	return up, nil
}

// CancelPendingUpload 取消一条待确认上传。重复取消是幂等空操作。
func (s *submissionService) CancelPendingUpload(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.pendingUploads.Get(id)
	if !ok {
		return &StateError{ID: id, Reason: "待确认上传不存在"}
	}
	up.Status = model.UploadCancelled
	s.pendingUploads.Delete(id)

	log.Infof("[CancelPendingUpload] 待确认上传 %s 已取消", id)
	return nil
}

// RegisterWait 为 (频道, 请求者) 登记一个等待项，窗口固定为配置的等待时长。
// 重复登记会刷新窗口。
func (s *submissionService) RegisterWait(channelID, requesterID, responseURL string) {
	entry := &model.WaitlistEntry{
		ChannelID:   channelID,
		RequesterID: requesterID,
		ResponseURL: responseURL,
		CreatedAt:   s.now(),
	}
	s.waitlist.PutUntil(waitKey(channelID, requesterID), entry, s.now().Add(s.waitlistTTL))

	log.Infof("[RegisterWait] 已登记等待项, 频道: %s, 请求者: %s", channelID, requesterID)
}

// ResolveWait 尝试用一次文件事件消费等待项。
// 迟到和重复的通知是常态：无匹配时返回 WaitNone 而不是错误。
// 已过期但未清扫的等待项返回 WaitExpired，条目随即移除。
func (s *submissionService) ResolveWait(channelID, requesterID string, now time.Time) (*model.WaitlistEntry, int) {
	key := waitKey(channelID, requesterID)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.waitlist.Get(key)
	if !ok {
		return nil, WaitNone
	}
	if deadline, ok := s.waitlist.Deadline(key); ok && !deadline.After(now) {
		s.waitlist.Delete(key)
		return entry, WaitExpired
	}

	s.waitlist.Delete(key)
	return entry, WaitMatched
}

// Sweep 清扫三个注册表中已过期的条目，返回移除总数。
func (s *submissionService) Sweep(now time.Time) int {
	removed := s.waitlist.Sweep(now) + s.pendingUploads.Sweep(now) + s.submissions.Sweep(now)
	if removed > 0 {
		log.Infof("[Sweep] 清扫过期条目 %d 个", removed)
	}
	return removed
}

// StartSweeper 启动周期性清扫，直到 ctx 取消。
// 用固定间隔的轮询代替逐条目的定时器：在分钟级的窗口上精度损失可以接受。
func (s *submissionService) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}

func waitKey(channelID, requesterID string) string {
	return channelID + ":" + requesterID
}

// newID 生成基于时间戳加随机后缀的不透明 id，避免同一纳秒内的碰撞。
func newID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}
