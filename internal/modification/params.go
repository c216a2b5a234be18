package modification

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// stringParam returns params[key] when it is a non-empty string.
func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", false
	}

	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}

	return s, true
}

// intParam reads params[key] as an integer. Values decoded from JSON arrive as
// float64, values from forms as strings; both are accepted. The bool result is
// false when the key is absent.
func intParam(params map[string]any, key string) (int, bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, false, nil
	}

	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return int(n), true, nil
	case json.Number:
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return i, true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s must be an integer", key)
	}
}
