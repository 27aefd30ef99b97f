// Package chat 提供了聊天平台 Web API 的客户端。
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"printflow-go/internal/config"
	"printflow-go/internal/model"
)

// Client 是聊天平台 Web API 的客户端。
type Client struct {
	cfg    config.ChatConfig
	client *http.Client
}

// NewClient 创建一个新的聊天平台客户端实例。
func NewClient(cfg config.ChatConfig) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// apiEnvelope 是平台所有接口统一的响应外壳。
type apiEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// callAPI 以 JSON 体调用一个 Web API 方法，并把响应解码到 out（可为 nil）。
func (c *Client) callAPI(ctx context.Context, method string, payload interface{}, out interface{}) error {
	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化 %s 请求失败: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/api/"+method, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("创建 %s 请求失败: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取 %s 响应失败: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s 返回错误 [%d]: %s", method, resp.StatusCode, string(body))
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("解析 %s 响应失败: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("%s 返回业务错误: %s", method, env.Error)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("解析 %s 响应体失败: %w", method, err)
		}
	}
	return nil
}

// SendEphemeral 向频道内指定用户发送一条仅其可见的消息。
func (c *Client) SendEphemeral(ctx context.Context, channelID, userID, text string) error {
	return c.callAPI(ctx, "chat.postEphemeral", map[string]string{
		"channel": channelID,
		"user":    userID,
		"text":    text,
	}, nil)
}

// PostMessage 向频道发送一条普通消息。
func (c *Client) PostMessage(ctx context.Context, channelID, text string) error {
	return c.callAPI(ctx, "chat.postMessage", map[string]string{
		"channel": channelID,
		"text":    text,
	}, nil)
}

// RespondTo 通过命令触发时拿到的延迟回复句柄 (response_url) 发送一条回复。
func (c *Client) RespondTo(ctx context.Context, responseURL, text string) error {
	return c.respond(ctx, responseURL, map[string]interface{}{
		"response_type": "ephemeral",
		"text":          text,
	})
}

// RespondWithBlocks 通过延迟回复句柄发送一条带交互块的回复。
func (c *Client) RespondWithBlocks(ctx context.Context, responseURL, text string, blocks json.RawMessage) error {
	return c.respond(ctx, responseURL, map[string]interface{}{
		"response_type": "ephemeral",
		"text":          text,
		"blocks":        blocks,
	})
}

// respond 向 response_url 直接 POST 简单 JSON，不走统一的 Web API 外壳。
func (c *Client) respond(ctx context.Context, responseURL string, payload map[string]interface{}) error {
	reqBytes, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", responseURL, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("创建延迟回复请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送延迟回复失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("延迟回复返回错误 [%d]: %s", resp.StatusCode, string(body))
	}
	return nil
}

// OpenView 用触发令牌打开一个模态表单，返回表单句柄 id。
func (c *Client) OpenView(ctx context.Context, triggerID string, view json.RawMessage) (string, error) {
	var out struct {
		View struct {
			ID string `json:"id"`
		} `json:"view"`
	}
	err := c.callAPI(ctx, "views.open", map[string]interface{}{
		"trigger_id": triggerID,
		"view":       view,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.View.ID, nil
}

// UpdateView 更新一个已打开的模态表单。
func (c *Client) UpdateView(ctx context.Context, viewID string, view json.RawMessage) error {
	return c.callAPI(ctx, "views.update", map[string]interface{}{
		"view_id": viewID,
		"view":    view,
	}, nil)
}

// GetUserDisplayName 解析用户的显示名。查不到时返回错误，由调用方降级处理。
func (c *Client) GetUserDisplayName(ctx context.Context, userID string) (string, error) {
	var out struct {
		User struct {
			RealName string `json:"real_name"`
			Profile  struct {
				DisplayName string `json:"display_name"`
			} `json:"profile"`
		} `json:"user"`
	}
	if err := c.callAPI(ctx, "users.info", map[string]string{"user": userID}, &out); err != nil {
		return "", err
	}
	if out.User.Profile.DisplayName != "" {
		return out.User.Profile.DisplayName, nil
	}
	return out.User.RealName, nil
}

// GetFileInfo 解析文件 id 对应的元数据。
func (c *Client) GetFileInfo(ctx context.Context, fileID string) (model.FileRef, error) {
	var out struct {
		File struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			Mimetype   string `json:"mimetype"`
			Size       int64  `json:"size"`
			URLPrivate string `json:"url_private"`
		} `json:"file"`
	}
	if err := c.callAPI(ctx, "files.info", map[string]string{"file": fileID}, &out); err != nil {
		return model.FileRef{}, err
	}
	return model.FileRef{
		ID:          out.File.ID,
		Name:        out.File.Name,
		MimeType:    out.File.Mimetype,
		Size:        out.File.Size,
		DownloadURL: out.File.URLPrivate,
	}, nil
}

// GetPermalink 解析频道内某条消息的永久链接。
func (c *Client) GetPermalink(ctx context.Context, channelID, messageTS string) (string, error) {
	var out struct {
		Permalink string `json:"permalink"`
	}
	err := c.callAPI(ctx, "chat.getPermalink", map[string]string{
		"channel":    channelID,
		"message_ts": messageTS,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Permalink, nil
}

// DownloadFile 下载文件内容。私有下载地址同样需要带 Bot 令牌。
func (c *Client) DownloadFile(ctx context.Context, file model.FileRef) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", file.DownloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建下载请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载文件失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("下载文件返回错误 [%d]", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ParseFileID 从命令文本里解析文件引用：接受裸文件 id（F 开头）
// 或含 /files/<id> 的永久链接。解析不出时返回空串。
func ParseFileID(text string) string {
	for _, token := range strings.Fields(text) {
		token = strings.Trim(token, "<>")
		if strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") {
			if u, err := url.Parse(token); err == nil {
				// 永久链接的路径形如 /files/<user>/<fileID>/<name>，
				// 直接找第一个符合文件 id 形状的段。
				for _, p := range strings.Split(strings.Trim(u.Path, "/"), "/") {
					if len(p) > 1 && p[0] == 'F' && isAlnumUpper(p) {
						return p
					}
				}
			}
			continue
		}
		if len(token) > 1 && token[0] == 'F' && isAlnumUpper(token) {
			return token
		}
	}
	return ""
}

func isAlnumUpper(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
