// Package dispatcher 负责在会话关闭后异步执行业务注册的关闭回调。
package dispatcher

import (
	"fmt"
	"reflect"

	"github.com/samber/lo"

	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

// 允许绑定的关闭码范围。
const (
	MinCloseCode = 1000
	MaxCloseCode = 4999
)

// Binding 描述一条关闭回调的声明。
//
// 说明：
//   - Codes 非空时优先生效，Statuses 被忽略；两者都为空时绑定到 ALL；
//   - Selector 为可选的过滤表达式，对 CloseInfo 求值为 true 时才会调用回调；
//   - Handler 必须是以下形式之一（返回值 error 可选）：
//       func()
//       func(*session.CloseInfo)
//       func() error
//       func(*session.CloseInfo) error
type Binding struct {
	Name     string
	Statuses []session.CloseStatus
	Codes    []int
	Selector string
	Handler  any
}

// Validator 用于在启动阶段校验过滤表达式语法。
type Validator interface {
	Validate(expr string) error
}

// Handler 是经过签名校验后的回调。
type Handler struct {
	name     string
	selector string
	invoke   func(info *session.CloseInfo) error
}

func (h *Handler) Name() string {
	return h.name
}

func (h *Handler) Selector() string {
	return h.selector
}

// Registry 收集 Binding 并在 Build 时一次性校验。
type Registry struct {
	bindings []Binding
}

// NewRegistry 创建空的 Registry。
func NewRegistry() *Registry {
	return &Registry{}
}

// Add 追加一条 Binding。
func (r *Registry) Add(b Binding) *Registry {
	r.bindings = append(r.bindings, b)
	return r
}

// Len 返回已声明的 Binding 数量。
func (r *Registry) Len() int {
	return len(r.bindings)
}

// Build 校验全部 Binding 并生成 HandlerTable。
//
// 参数：
//   - validator：过滤表达式校验器，为 nil 时跳过表达式校验。
//
// 行为：
//   - 任一 Binding 非法时返回合并后的配置错误，不生成 HandlerTable；
//   - 未命名的 Binding 以 handler-<序号> 命名。
func (r *Registry) Build(validator Validator) (*HandlerTable, error) {
	table := &HandlerTable{byCode: make(map[int][]*Handler)}

	var errs []error
	for i, b := range r.bindings {
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("handler-%d", i)
		}

		invoke, err := adapt(name, b.Handler)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		codes, err := resolveCodes(name, b)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if b.Selector != "" && validator != nil {
			if err := validator.Validate(b.Selector); err != nil {
				errs = append(errs, merr.Combine(merr.WrapErrConfigInvalid("selector", b.Selector, name), err))
				continue
			}
		}

		h := &Handler{name: name, selector: b.Selector, invoke: invoke}
		for _, code := range codes {
			table.byCode[code] = append(table.byCode[code], h)
		}
		table.size++
	}

	if err := merr.Combine(errs...); err != nil {
		return nil, err
	}
	return table, nil
}

// resolveCodes 计算 Binding 生效的关闭码集合，结果去重并保持声明顺序。
func resolveCodes(name string, b Binding) ([]int, error) {
	if len(b.Codes) > 0 {
		for _, code := range b.Codes {
			if code < MinCloseCode || code > MaxCloseCode {
				return nil, merr.WrapErrCloseCodeOutOfRange(name, code)
			}
		}
		return lo.Uniq(b.Codes), nil
	}
	if len(b.Statuses) > 0 {
		codes := lo.Map(b.Statuses, func(s session.CloseStatus, _ int) int { return s.Code })
		// StatusAll 混在具体状态中时按 ALL 处理
		if lo.Contains(codes, session.CodeAll) {
			return []int{session.CodeAll}, nil
		}
		return lo.Uniq(codes), nil
	}
	return []int{session.CodeAll}, nil
}

var (
	closeInfoType = reflect.TypeOf((*session.CloseInfo)(nil))
	errorType     = reflect.TypeOf((*error)(nil)).Elem()

	plainType       = reflect.TypeOf((func())(nil))
	plainErrType    = reflect.TypeOf((func() error)(nil))
	withInfoType    = reflect.TypeOf((func(*session.CloseInfo))(nil))
	withInfoErrType = reflect.TypeOf((func(*session.CloseInfo) error)(nil))
)

// adapt 校验回调签名，并转换为统一的调用形式。运行期调用不再经过反射。
func adapt(name string, fn any) (func(*session.CloseInfo) error, error) {
	if fn == nil {
		return nil, merr.WrapErrHandlerSignature(name, "handler is nil")
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, merr.WrapErrHandlerSignature(name, fmt.Sprintf("handler must be a func, got %s", t))
	}
	if v.IsNil() {
		return nil, merr.WrapErrHandlerSignature(name, "handler is nil")
	}
	if t.IsVariadic() {
		return nil, merr.WrapErrHandlerSignature(name, "variadic handlers are not supported")
	}
	if t.NumIn() > 1 {
		return nil, merr.WrapErrHandlerSignature(name,
			fmt.Sprintf("handler accepts at most one parameter, got %d", t.NumIn()))
	}
	if t.NumIn() == 1 && t.In(0) != closeInfoType {
		return nil, merr.WrapErrHandlerSignature(name,
			fmt.Sprintf("handler parameter must be %s, got %s", closeInfoType, t.In(0)))
	}
	switch {
	case t.NumOut() > 1:
		return nil, merr.WrapErrHandlerSignature(name,
			fmt.Sprintf("handler returns at most one value, got %d", t.NumOut()))
	case t.NumOut() == 1 && t.Out(0) != errorType:
		return nil, merr.WrapErrHandlerSignature(name,
			fmt.Sprintf("handler result must be error, got %s", t.Out(0)))
	}

	switch {
	case t.NumIn() == 0 && t.NumOut() == 0:
		f := v.Convert(plainType).Interface().(func())
		return func(*session.CloseInfo) error { f(); return nil }, nil
	case t.NumIn() == 0:
		f := v.Convert(plainErrType).Interface().(func() error)
		return func(*session.CloseInfo) error { return f() }, nil
	case t.NumOut() == 0:
		f := v.Convert(withInfoType).Interface().(func(*session.CloseInfo))
		return func(info *session.CloseInfo) error { f(info); return nil }, nil
	default:
		return v.Convert(withInfoErrType).Interface().(func(*session.CloseInfo) error), nil
	}
}

// HandlerTable 是启动后只读的关闭码到回调的索引。
type HandlerTable struct {
	byCode map[int][]*Handler
	size   int
}

// Lookup 返回绑定到 code 的回调，code 为 session.CodeAll 时返回 ALL 回调。
func (t *HandlerTable) Lookup(code int) []*Handler {
	if t == nil {
		return nil
	}
	return t.byCode[code]
}

// Names 返回绑定到 code 的回调名称，按注册顺序排列。
func (t *HandlerTable) Names(code int) []string {
	return lo.Map(t.Lookup(code), func(h *Handler, _ int) string { return h.name })
}

// Len 返回有效 Binding 数量。
func (t *HandlerTable) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}
