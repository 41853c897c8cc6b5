package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration 同时接受 "90s" 形式的字符串和以毫秒计的整数。
type Duration struct {
	time.Duration
}

// D 返回标准库时长。
func (d Duration) D() time.Duration { return d.Duration }

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("无效的时长 %s: %w", trimmed, err)
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

// UnmarshalTOML 实现 toml.Unmarshaler。
func (d *Duration) UnmarshalTOML(v any) error {
	switch value := v.(type) {
	case string:
		return d.UnmarshalText([]byte(value))
	case int64:
		d.Duration = time.Duration(value) * time.Millisecond
		return nil
	default:
		return fmt.Errorf("无效的时长类型 %T", v)
	}
}

// UnmarshalText 解析 time.ParseDuration 格式。
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText 实现 encoding.TextMarshaler。
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
