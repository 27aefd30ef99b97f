// Package model 定义了提交流程中流转的核心实体结构体。
package model

import "time"

// FileRef 表示聊天平台上的一个文件引用。
type FileRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"downloadUrl"`
}

// PendingSubmission 的状态。
const (
	SubmissionAwaitingFile = 0 // 表单已填写，等待文件
	SubmissionCompleted    = 1 // 已关联文件，流程结束
)

// PendingSubmission 记录一次"先填表单、后传文件"的提交。
// 同一 RequesterID 同时只保留一条 AwaitingFile 记录。
type PendingSubmission struct {
	ID           string            `json:"id"`
	RequesterID  string            `json:"requesterId"`
	Selections   map[string]string `json:"selections"`
	Status       int               `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	CompletedAt  *time.Time        `json:"completedAt"`
	AttachedFile *FileRef          `json:"attachedFile"`
}

// PendingUpload 的状态。
const (
	UploadCreated   = 0 // 文件已先行入库，等待用户补充元数据
	UploadConfirmed = 1
	UploadCancelled = 2
)

// PendingUpload 记录旧流程中"先传文件、后补元数据"的一次上传。
// 创建时文件已经上传到对象存储，StoredObjectURL 指向已入库的副本。
type PendingUpload struct {
	ID                   string    `json:"id"`
	SourceFile           FileRef   `json:"sourceFile"`
	StoredObjectURL      string    `json:"storedObjectUrl"`
	SubmitterDisplayName string    `json:"submitterDisplayName"`
	Status               int       `json:"status"`
	CreatedAt            time.Time `json:"createdAt"`
}

// WaitlistEntry 记录旧流程中"命令发出后等待下一次频道内上传"的等待项。
// ResponseURL 是命令触发时拿到的延迟回复句柄，匹配成功或过期时用它通知用户。
type WaitlistEntry struct {
	ChannelID   string    `json:"channelId"`
	RequesterID string    `json:"requesterId"`
	ResponseURL string    `json:"responseUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RequiredFields 是表单里必须非空的字段名。notes 为可选。
var RequiredFields = []string{"project", "printer", "material"}
