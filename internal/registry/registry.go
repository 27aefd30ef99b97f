// Package registry 提供一个带过期时间的通用内存注册表。
// 提交流程的三类在途实体（待完成提交、待确认上传、等待队列）各持有一个实例。
package registry

import (
	"sync"
	"time"
)

type item[V any] struct {
	value    V
	deadline time.Time // 零值表示永不过期
}

// Registry 是一个按 key 存取、按绝对截止时间过期的内存注册表。
// 过期条目由周期性的 Sweep 清除；Get 不做惰性淘汰，
// 两次清扫之间关心时效性的调用方需自行用 Deadline 检查。
type Registry[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]item[V]
}

// New 创建一个空的 Registry。
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{items: make(map[K]item[V])}
}

// Put 插入或覆盖一个条目。ttl <= 0 表示永不过期。
func (r *Registry[K, V]) Put(key K, value V, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[key] = newItem(value, ttl)
}

// PutUntil 插入或覆盖一个条目，并指定绝对过期时间。
// deadline 为零值时条目永不过期。
func (r *Registry[K, V]) PutUntil(key K, value V, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[key] = item[V]{value: value, deadline: deadline}
}

// PutIfAbsent 仅在 key 不存在时插入，返回是否插入成功。
// Go 运行时是多线程的，提交路由可能被并发触发，所以这里提供原子的占位操作。
func (r *Registry[K, V]) PutIfAbsent(key K, value V, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; ok {
		return false
	}
	r.items[key] = newItem(value, ttl)
	return true
}

// Get 返回指定 key 的值。已过期但尚未被清扫的条目同样会被返回。
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[key]
	return it.value, ok
}

// Deadline 返回指定 key 的过期时间。永不过期的条目返回零值时间。
func (r *Registry[K, V]) Deadline(key K) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[key]
	return it.deadline, ok
}

// Delete 删除指定 key，key 不存在时为空操作。
func (r *Registry[K, V]) Delete(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, key)
}

// Sweep 删除所有截止时间不晚于 now 的条目，返回删除数量。
func (r *Registry[K, V]) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, it := range r.items {
		if !it.deadline.IsZero() && !it.deadline.After(now) {
			delete(r.items, key)
			removed++
		}
	}
	return removed
}

// Range 在锁内按任意顺序遍历全部条目，fn 返回 false 时停止。
// 在途实体的量级是十位数而不是千位数，线性扫描即可满足匹配需求。
func (r *Registry[K, V]) Range(fn func(key K, value V) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, it := range r.items {
		if !fn(key, it.value) {
			return
		}
	}
}

// Len 返回当前条目数（含已过期未清扫的条目）。
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func newItem[V any](value V, ttl time.Duration) item[V] {
	it := item[V]{value: value}
	if ttl > 0 {
		it.deadline = time.Now().Add(ttl)
	}
	return it
}
