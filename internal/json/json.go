// Package json 统一项目内的 JSON 编解码入口，底层使用 bytedance/sonic。
package json

import (
	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// Marshal 将 v 编码为 JSON。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalToString 将 v 编码为 JSON 字符串。
func MarshalToString(v any) (string, error) {
	return api.MarshalToString(v)
}

// MarshalIndent 将 v 编码为带缩进的 JSON。
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal 将 JSON 数据解码到 v。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// ToMap 将任意值转换为通用的 map 结构，非对象类型返回错误。
func ToMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	data, err := api.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := api.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
