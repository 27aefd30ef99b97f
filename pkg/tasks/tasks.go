// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// 任务来源，决定流水线是否需要先下载文件。
const (
	SourceForm   = "form"   // 表单流程：文件待下载入库
	SourceInline = "inline" // 命令内联文件引用的快速路径
	SourceLegacy = "legacy" // 旧流程：文件已先行入库
)

// SubmissionTask represents the data structure for an upload+log job.
type SubmissionTask struct {
	SubmissionID    string            `json:"submission_id"`
	Source          string            `json:"source"`
	RequesterID     string            `json:"requester_id"`
	ChannelID       string            `json:"channel_id"`
	FileID          string            `json:"file_id"`
	FileName        string            `json:"file_name"`
	MimeType        string            `json:"mime_type"`
	DownloadURL     string            `json:"download_url"`
	StoredObjectURL string            `json:"stored_object_url"`
	Selections      map[string]string `json:"selections"`
}
