package service

import "fmt"

// ValidationError 表示用户输入不合法：必填字段缺失，或文本里解析不出文件引用。
// 这类错误直接回显给用户，不做重试。
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("必填字段缺失或为空: %s", e.Field)
}

// StateError 表示操作的目标实体不存在或已处于终态（例如重复确认）。
// 对于外部 webhook 的重复投递，这被当作幂等空操作处理而不上报。
type StateError struct {
	ID     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("状态冲突 (id=%s): %s", e.ID, e.Reason)
}

// UpstreamError 表示调用外部协作方（聊天平台、对象存储、表格服务）失败。
// 记录日志并给用户一条不含内部细节的通用失败消息，核心不做自动重试。
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("上游调用失败 (%s): %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ExpiredError 表示操作的目标等待项已过截止时间。
// 提示用户"窗口已过期，请重试"，不再升级。
type ExpiredError struct {
	What string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s 已过期", e.What)
}
