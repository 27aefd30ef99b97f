package model

// CommandInvocation 表示一次斜杠命令触发。
type CommandInvocation struct {
	ChannelID   string
	UserID      string
	TriggerID   string
	ResponseURL string
	Text        string
}

// FileSharedEvent 表示一次文件共享事件通知。
// 平台在不同投递路径下会把用户/频道放在不同的可选字段里，
// 路由时按"第一个非空字段生效"的规则归并。
type FileSharedEvent struct {
	FileID         string
	UserID         string // 事件顶层的 user_id
	FileOwnerID    string // 文件对象上的 user
	ChannelID      string // 事件顶层的 channel_id
	EventChannelID string // 事件体内的 channel
}

// Requester 返回该事件归属的用户，按字段优先级取第一个非空值。
func (e FileSharedEvent) Requester() string {
	return firstNonEmpty(e.UserID, e.FileOwnerID)
}

// Channel 返回该事件归属的频道，按字段优先级取第一个非空值。
func (e FileSharedEvent) Channel() string {
	return firstNonEmpty(e.ChannelID, e.EventChannelID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
