package http

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// 在反序列化之前用 gjson 做结构预检，
// 把"字段缺失/类型错误"的报错落在具体字段上，而不是笼统的 unmarshal 错误。

func validateBacktestBody(raw []byte) error {
	return validateBacktestFields(raw, "")
}

func validateOptimizeBody(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("请求体不是合法 JSON")
	}
	if err := validateBacktestFields(raw, "backtest."); err != nil {
		return err
	}
	if method := gjson.GetBytes(raw, "method"); method.Exists() && method.Type != gjson.String {
		return fmt.Errorf("method 需为字符串")
	}
	if space := gjson.GetBytes(raw, "space"); space.Exists() && !space.IsObject() {
		return fmt.Errorf("space 需为对象")
	}
	return nil
}

func validateWalkForwardBody(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("请求体不是合法 JSON")
	}
	if err := validateBacktestFields(raw, "optimize.backtest."); err != nil {
		return err
	}
	for _, field := range []string{"window_size", "step_size"} {
		if v := gjson.GetBytes(raw, field); v.Exists() && v.Type != gjson.Number {
			return fmt.Errorf("%s 需为数值", field)
		}
	}
	return nil
}

func validateBacktestFields(raw []byte, prefix string) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("请求体不是合法 JSON")
	}
	required := []struct {
		path string
		typ  gjson.Type
	}{
		{prefix + "symbol", gjson.String},
		{prefix + "timeframe", gjson.String},
		{prefix + "start_ts", gjson.Number},
		{prefix + "end_ts", gjson.Number},
		{prefix + "strategy_id", gjson.String},
	}
	for _, f := range required {
		v := gjson.GetBytes(raw, f.path)
		if !v.Exists() {
			return fmt.Errorf("缺少必填字段 %s", f.path)
		}
		if v.Type != f.typ {
			return fmt.Errorf("字段 %s 类型错误", f.path)
		}
	}
	if params := gjson.GetBytes(raw, prefix+"params"); params.Exists() {
		if !params.IsObject() {
			return fmt.Errorf("字段 %sparams 需为对象", prefix)
		}
		var badKey string
		params.ForEach(func(key, value gjson.Result) bool {
			if value.Type != gjson.Number {
				badKey = key.String()
				return false
			}
			return true
		})
		if badKey != "" {
			return fmt.Errorf("参数 %s 需为数值", badKey)
		}
	}
	return nil
}
