// Package sheet 提供了远端表格服务的客户端。
package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"printflow-go/internal/config"
)

// Client 是远端表格服务的客户端。
type Client struct {
	cfg    config.SheetConfig
	client *http.Client
}

// NewClient 创建一个新的表格服务客户端实例。
func NewClient(cfg config.SheetConfig) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// AppendRow 在提交记录区间末尾追加一行。
func (c *Client) AppendRow(ctx context.Context, values []string) error {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s:append?valueInputOption=RAW",
		c.cfg.BaseURL, c.cfg.SpreadsheetID, url.PathEscape(c.cfg.LogRange))

	payload := map[string]interface{}{
		"values": [][]string{values},
	}
	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化追加行请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("创建追加行请求失败: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("调用表格服务失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("表格服务返回错误 [%d]: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ListColumnValues 读取指定区间的一列取值，空单元格被跳过。
// 用于给表单提供项目、打印机、材料的选项列表。
func (c *Client) ListColumnValues(ctx context.Context, rng string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s",
		c.cfg.BaseURL, c.cfg.SpreadsheetID, url.PathEscape(rng))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("创建读取区间请求失败: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用表格服务失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("表格服务返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Values [][]string `json:"values"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("解析区间响应失败: %w", err)
	}

	values := make([]string, 0, len(out.Values))
	for _, row := range out.Values {
		if len(row) > 0 && row[0] != "" {
			values = append(values, row[0])
		}
	}
	return values, nil
}

// UpdateCell 覆写单个单元格的值。
func (c *Client) UpdateCell(ctx context.Context, cellRef, value string) error {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?valueInputOption=RAW",
		c.cfg.BaseURL, c.cfg.SpreadsheetID, url.PathEscape(cellRef))

	payload := map[string]interface{}{
		"values": [][]string{{value}},
	}
	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化更新单元格请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("创建更新单元格请求失败: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("调用表格服务失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("表格服务返回错误 [%d]: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
}
