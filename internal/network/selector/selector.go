// Package selector 实现关闭回调使用的过滤表达式。
//
// 表达式以 CEL 求值，同时兼容 eq/ne/lt/le/gt/ge/and/or/not 等单词运算符，
// 负载对象先转换为 JSON map，其顶层字段作为表达式变量。
package selector

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/cel-go/cel"

	"github.com/lk2023060901/wshub-go/internal/json"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

// Evaluator 对负载求值过滤表达式。
type Evaluator interface {
	// Evaluate 返回表达式结果；表达式为空时恒为 true。
	Evaluate(expr string, payload any) (bool, error)
}

// CELEvaluator 是基于 CEL 的 Evaluator，编译结果按表达式与变量集合缓存。
type CELEvaluator struct {
	parseEnv *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// 确保 CELEvaluator 实现了 Evaluator 接口。
var _ Evaluator = (*CELEvaluator)(nil)

// NewCELEvaluator 创建 CELEvaluator。
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}
	return &CELEvaluator{
		parseEnv: env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate 只做语法检查，用于启动阶段校验绑定配置。
func (e *CELEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	if _, issues := e.parseEnv.Parse(Normalize(expr)); issues != nil && issues.Err() != nil {
		return merr.WrapErrSelectorInvalid(expr, issues.Err())
	}
	return nil
}

// Evaluate 实现 Evaluator。
func (e *CELEvaluator) Evaluate(expr string, payload any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	vars, err := json.ToMap(payload)
	if err != nil {
		return false, merr.WrapErrSelectorEval(expr, err)
	}

	program, err := e.program(expr, vars)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(vars)
	if err != nil {
		return false, merr.WrapErrSelectorEval(expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, merr.WrapErrSelectorEval(expr, errors.Newf("expression yields %s, not bool", out.Type().TypeName()))
	}
	return result, nil
}

func (e *CELEvaluator) program(expr string, vars map[string]any) (cel.Program, error) {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	key := expr + "\x00" + strings.Join(names, ",")

	e.mu.RLock()
	program, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	opts := make([]cel.EnvOption, 0, len(names))
	for _, name := range names {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, merr.WrapErrSelectorEval(expr, err)
	}
	ast, issues := env.Compile(Normalize(expr))
	if issues != nil && issues.Err() != nil {
		// 语法已在启动阶段校验过，此处失败通常是引用了负载中不存在的字段。
		return nil, merr.WrapErrSelectorEval(expr, issues.Err())
	}
	program, err = env.Program(ast)
	if err != nil {
		return nil, merr.WrapErrSelectorEval(expr, err)
	}

	e.mu.Lock()
	e.programs[key] = program
	e.mu.Unlock()
	return program, nil
}

var wordOperators = map[string]string{
	"eq":  "==",
	"ne":  "!=",
	"lt":  "<",
	"le":  "<=",
	"gt":  ">",
	"ge":  ">=",
	"and": "&&",
	"or":  "||",
	"not": "!",
}

// Normalize 将字符串字面量之外的单词运算符替换为 CEL 运算符。
//
//	session.id eq '12345' and code ge 1000  =>  session.id == '12345' && code >= 1000
func Normalize(expr string) string {
	var (
		sb    strings.Builder
		quote byte
	)
	sb.Grow(len(expr) + 8)

	for i := 0; i < len(expr); {
		c := expr[i]
		if quote != 0 {
			sb.WriteByte(c)
			if c == '\\' && i+1 < len(expr) {
				sb.WriteByte(expr[i+1])
				i += 2
				continue
			}
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			sb.WriteByte(c)
			i++
			continue
		}
		if isIdentStart(c) {
			j := i + 1
			for j < len(expr) && isIdentPart(expr[j]) {
				j++
			}
			word := expr[i:j]
			// 字段访问（如 x.eq）保持原样
			if op, ok := wordOperators[word]; ok && !precededByDot(expr, i) {
				sb.WriteString(op)
			} else {
				sb.WriteString(word)
			}
			i = j
			continue
		}
		sb.WriteByte(c)
		i++
	}
	return sb.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func precededByDot(expr string, i int) bool {
	for k := i - 1; k >= 0; k-- {
		switch expr[k] {
		case ' ', '\t', '\n':
			continue
		case '.':
			return true
		default:
			return false
		}
	}
	return false
}
