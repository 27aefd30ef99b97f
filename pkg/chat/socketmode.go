package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"printflow-go/internal/config"
	"printflow-go/pkg/log"

	"github.com/gorilla/websocket"
)

// SocketClient 通过长连接接收事件投递，用于无法暴露公网回调地址的部署。
// 它只负责传输：握手拿到连接地址、逐条确认信封、把事件负载交给回调。
type SocketClient struct {
	cfg    config.ChatConfig
	client *http.Client
}

// NewSocketClient 创建一个新的 SocketClient。
func NewSocketClient(cfg config.ChatConfig) *SocketClient {
	return &SocketClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// envelope 是长连接上每条投递的信封。
type envelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Run 维持长连接直到 ctx 取消，事件负载逐条交给 onEvent。
// 连接断开后按指数退避重连。
func (s *SocketClient) Run(ctx context.Context, onEvent func(ctx context.Context, payload []byte)) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.runOnce(ctx, onEvent); err != nil {
			log.Warnf("长连接中断: %v, %s 后重连", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

// runOnce 完成一次握手和读取循环，连接正常关闭或出错时返回。
func (s *SocketClient) runOnce(ctx context.Context, onEvent func(ctx context.Context, payload []byte)) error {
	wsURL, err := s.openConnection(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("建立长连接失败: %w", err)
	}
	defer conn.Close()

	log.Info("事件长连接已建立")

	// ctx 取消时主动关闭连接，解除 ReadMessage 的阻塞。
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取长连接消息失败: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warnf("无法解析长连接信封: %v", err)
			continue
		}

		// 平台要求先确认再处理，否则会重投。
		if env.EnvelopeID != "" {
			ack, _ := json.Marshal(map[string]string{"envelope_id": env.EnvelopeID})
			if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
				return fmt.Errorf("确认信封失败: %w", err)
			}
		}

		switch env.Type {
		case "events_api":
			onEvent(ctx, env.Payload)
		case "disconnect":
			log.Info("平台请求断开长连接，准备重连")
			return nil
		}
	}
}

// openConnection 通过应用级令牌换取一次性的长连接地址。
func (s *SocketClient) openConnection(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.cfg.BaseURL+"/api/apps.connections.open", bytes.NewReader(nil))
	if err != nil {
		return "", fmt.Errorf("创建握手请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AppToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("长连接握手失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取握手响应失败: %w", err)
	}

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("解析握手响应失败: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("握手返回业务错误: %s", out.Error)
	}
	return out.URL, nil
}
