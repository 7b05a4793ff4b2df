package session

import (
	"context"
	"sort"
	"sync"

	"github.com/gobwas/glob"
	"github.com/maypok86/otter"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/wshub-go/pkg/log"
	"github.com/lk2023060901/wshub-go/pkg/metrics"
)

// AllPaths 作为 AllSessions 的参数时匹配全部会话。
const AllPaths = "*"

// PatternCacheCapacity 为已编译路径模式缓存的容量上限。
const PatternCacheCapacity = 1024

// Registry 维护会话 ID 到 Streams 的映射。
//
// 特性：
//   - 使用读写锁保证并发安全，遍历类操作返回快照，不在持锁时执行回调；
//   - Put 遇到重复 ID 时替换旧条目，关闭被替换的 Streams 并记录告警；
//   - Size 由原子计数器维护，只在新增 ID 和成功移除时变化；
//   - 移除条目时同时关闭对应的 Streams。
type Registry struct {
	log.Binder

	mu       sync.RWMutex
	sessions map[string]*Streams
	size     atomic.Int64

	patterns otter.Cache[string, glob.Glob] // 编译失败的模式存 nil
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry() *Registry {
	r := &Registry{
		sessions: make(map[string]*Streams),
		patterns: newPatternCache(PatternCacheCapacity),
	}
	r.SetLogger(log.With(log.FieldComponent("session-registry")))
	return r
}

func newPatternCache(capacity int) otter.Cache[string, glob.Glob] {
	cache, err := otter.MustBuilder[string, glob.Glob](capacity).Build()
	if err != nil {
		panic(err)
	}
	return cache
}

// Put 注册会话。
//
// 返回：
//   - previous：被替换的旧条目（已被关闭），没有时为 nil；
//   - replaced：是否发生了替换。
func (r *Registry) Put(id string, streams *Streams) (previous *Streams, replaced bool) {
	if streams == nil {
		return nil, false
	}

	r.mu.Lock()
	previous, replaced = r.sessions[id]
	r.sessions[id] = streams
	if !replaced {
		r.size.Inc()
	}
	r.mu.Unlock()

	if replaced && previous == streams {
		return previous, true
	}
	metrics.SessionsActive.WithLabelValues(streams.Session().Path()).Inc()
	if replaced {
		metrics.SessionsActive.WithLabelValues(previous.Session().Path()).Dec()
		metrics.SessionsReplaced.Inc()
		r.Logger().Warn("session id already registered, replacing and closing previous streams",
			log.FieldSessionID(id),
			zap.String("previousPath", previous.Session().Path()),
			log.FieldPath(streams.Session().Path()))
		previous.Close()
	}
	return previous, replaced
}

// Get 查询会话。
func (r *Registry) Get(id string) (*Streams, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	streams, ok := r.sessions[id]
	return streams, ok
}

// Remove 移除并关闭会话，ID 不存在时返回 false。
func (r *Registry) Remove(id string) (*Streams, bool) {
	return r.remove(id, nil)
}

// RemoveStreams 仅当 id 当前映射到 streams 时才移除，
// 避免旧连接收尾时误删同 ID 的新连接。
func (r *Registry) RemoveStreams(id string, streams *Streams) bool {
	if streams == nil {
		return false
	}
	_, ok := r.remove(id, streams)
	return ok
}

func (r *Registry) remove(id string, expected *Streams) (*Streams, bool) {
	r.mu.Lock()
	streams, ok := r.sessions[id]
	if !ok || (expected != nil && streams != expected) {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessions, id)
	r.size.Dec()
	r.mu.Unlock()

	metrics.SessionsActive.WithLabelValues(streams.Session().Path()).Dec()
	streams.Close()
	return streams, true
}

// AllSessions 返回路径匹配 pattern 的会话快照。
//
// pattern 为空或 "*" 时返回全部会话；否则先按路由模板精确匹配，
// 再按 glob 匹配（以 '/' 为分隔符，"**" 可跨越多级）。
func (r *Registry) AllSessions(pattern string) []*Streams {
	return r.snapshot(r.matcher(pattern))
}

func (r *Registry) snapshot(match func(path string) bool) []*Streams {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]*Streams, 0, len(r.sessions))
	for _, streams := range r.sessions {
		if match(streams.Session().Path()) {
			snapshot = append(snapshot, streams)
		}
	}
	return snapshot
}

// Range 遍历会话快照，回调返回 false 时提前结束。
func (r *Registry) Range(fn func(streams *Streams) bool) {
	if fn == nil {
		return
	}
	for _, streams := range r.AllSessions(AllPaths) {
		if !fn(streams) {
			return
		}
	}
}

// Count 返回注册表中的会话总数。
func (r *Registry) Count() int {
	return int(r.size.Load())
}

// CountByPath 返回路径匹配 pattern 的会话数量。
func (r *Registry) CountByPath(pattern string) int {
	return len(r.AllSessions(pattern))
}

// Paths 返回当前有会话的路由模板，按字典序排列。
func (r *Registry) Paths() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, streams := range r.sessions {
		seen[streams.Session().Path()] = struct{}{}
	}
	r.mu.RUnlock()

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// CleanupOrphaned 移除所有底层连接已不再打开的会话，返回清理数量。
func (r *Registry) CleanupOrphaned(ctx context.Context) int {
	cleaned := 0
	for _, streams := range r.AllSessions(AllPaths) {
		if ctx.Err() != nil {
			break
		}
		sess := streams.Session()
		if sess.IsOpen() {
			continue
		}
		r.Logger().Warn("Found orphaned session (isOpen=false), cleaning up",
			log.FieldSessionID(sess.ID()),
			log.FieldPath(sess.Path()))
		if r.RemoveStreams(sess.ID(), streams) {
			metrics.OrphansCleaned.Inc()
			cleaned++
		}
	}
	return cleaned
}

// Shutdown 移除并关闭全部会话。
func (r *Registry) Shutdown(ctx context.Context) {
	all := r.AllSessions(AllPaths)
	for _, streams := range all {
		r.RemoveStreams(streams.Session().ID(), streams)
	}
	log.Ctx(ctx).Info("session registry shut down", zap.Int("closed", len(all)))
}

func (r *Registry) matcher(pattern string) func(path string) bool {
	if pattern == "" || pattern == AllPaths {
		return func(string) bool { return true }
	}
	g := r.compile(pattern)
	return func(path string) bool {
		return path == pattern || (g != nil && g.Match(path))
	}
}

func (r *Registry) compile(pattern string) glob.Glob {
	if g, ok := r.patterns.Get(pattern); ok {
		return g
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		r.Logger().RatedWarn(1, "invalid session path pattern, falling back to exact match",
			zap.String("pattern", pattern), zap.Error(err))
		g = nil
	}
	r.patterns.Set(pattern, g)
	return g
}

// AllSessionsMatching 返回路由模板匹配预编译模式 g 的会话快照，不经过模式缓存。
func (r *Registry) AllSessionsMatching(g glob.Glob) []*Streams {
	if g == nil {
		return nil
	}
	return r.snapshot(g.Match)
}
