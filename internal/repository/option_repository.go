// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"printflow-go/internal/config"
	"printflow-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// SheetLister 抽象表格服务的列读取能力，便于测试替换。
type SheetLister interface {
	ListColumnValues(ctx context.Context, rng string) ([]string, error)
}

// OptionRepository 定义了表单选项列表的读取接口。
// 选项维护在表格的选项列里，这里加一层 Redis 缓存避免每次打开表单都打表格服务。
type OptionRepository interface {
	GetOptions(ctx context.Context, kind string) ([]string, error)
}

type redisOptionRepository struct {
	redisClient *redis.Client
	sheet       SheetLister
	ranges      map[string]string
	cacheTTL    time.Duration
}

// NewOptionRepository 创建一个新的 OptionRepository 实例。
func NewOptionRepository(redisClient *redis.Client, sheet SheetLister, cfg config.SheetConfig) OptionRepository {
	return &redisOptionRepository{
		redisClient: redisClient,
		sheet:       sheet,
		ranges:      cfg.OptionRanges,
		cacheTTL:    time.Duration(cfg.OptionCacheTTLMinute) * time.Minute,
	}
}

// GetOptions 返回指定字段的选项列表，优先走缓存。
// 缓存未命中时从表格读取并回填；表格读取失败则尝试返回过期前的缓存。
func (r *redisOptionRepository) GetOptions(ctx context.Context, kind string) ([]string, error) {
	rng, ok := r.ranges[kind]
	if !ok {
		return nil, fmt.Errorf("未配置选项区间: %s", kind)
	}

	key := fmt.Sprintf("options:%s", kind)
	cached, err := r.redisClient.Get(ctx, key).Result()
	if err == nil {
		var options []string
		if err := json.Unmarshal([]byte(cached), &options); err == nil {
			return options, nil
		}
		// 缓存内容损坏，当作未命中处理
		log.Warnf("[GetOptions] 选项缓存内容无法解析, kind: %s", kind)
	} else if err != redis.Nil {
		log.Warnf("[GetOptions] 读取选项缓存失败, kind: %s, error: %v", kind, err)
	}

	options, err := r.sheet.ListColumnValues(ctx, rng)
	if err != nil {
		return nil, fmt.Errorf("从表格读取选项失败 (%s): %w", kind, err)
	}

	if data, err := json.Marshal(options); err == nil {
		if err := r.redisClient.Set(ctx, key, data, r.cacheTTL).Err(); err != nil {
			log.Warnf("[GetOptions] 写入选项缓存失败, kind: %s, error: %v", kind, err)
		}
	}
	return options, nil
}
