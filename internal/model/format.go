package model

import "strconv"

func formatScalar(v any) string {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []string:
		out := ""
		for i, s := range t {
			if i > 0 {
				out += ", "
			}
			out += s
		}
		return out
	}
	return ""
}
