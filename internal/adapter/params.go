package adapter

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	xerrors "OpenIntent-Chain/internal/errors"
)

// StringParam 从参数表中取字符串参数，裁剪首尾空白，空串视为缺失。
func StringParam(params map[string]any, key string) (string, bool) {
	raw, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// RequireString 取必填字符串参数，缺失时返回校验错误。
func RequireString(params map[string]any, key string) (string, error) {
	value, ok := StringParam(params, key)
	if !ok {
		return "", xerrors.New(xerrors.CodeValidation, "缺少必填参数: "+key,
			xerrors.WithMetadata("param", key))
	}
	return value, nil
}

// Uint64Param 读取无符号整数参数。JSON 解码后数字可能是 float64、
// json.Number 或字符串，这里统一收口。
func Uint64Param(params map[string]any, key string) (uint64, bool, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case uint64:
		return v, true, nil
	case int:
		if v < 0 {
			return 0, false, negativeParam(key)
		}
		return uint64(v), true, nil
	case int64:
		if v < 0 {
			return 0, false, negativeParam(key)
		}
		return uint64(v), true, nil
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false, xerrors.New(xerrors.CodeValidation, "参数必须是非负整数: "+key,
				xerrors.WithMetadata("param", key))
		}
		return uint64(v), true, nil
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0, false, invalidParam(key, err)
		}
		return n, true, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false, nil
		}
		n, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return 0, false, invalidParam(key, err)
		}
		return n, true, nil
	default:
		return 0, false, xerrors.New(xerrors.CodeValidation, "参数类型不支持: "+key,
			xerrors.WithMetadata("param", key))
	}
}

// StringsParam 读取字符串列表参数，兼容 []string 与 JSON 解码出的 []any。
func StringsParam(params map[string]any, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return cleanStrings(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, xerrors.New(xerrors.CodeValidation, "列表参数必须全部是字符串: "+key,
					xerrors.WithMetadata("param", key))
			}
			out = append(out, s)
		}
		return cleanStrings(out), nil
	case string:
		return cleanStrings([]string{v}), nil
	default:
		return nil, xerrors.New(xerrors.CodeValidation, "参数类型不支持: "+key,
			xerrors.WithMetadata("param", key))
	}
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func negativeParam(key string) error {
	return xerrors.New(xerrors.CodeValidation, "参数不能为负数: "+key,
		xerrors.WithMetadata("param", key))
}

func invalidParam(key string, err error) error {
	return xerrors.Wrap(xerrors.CodeValidation, err, "参数格式不合法: "+key,
		xerrors.WithMetadata("param", key))
}
