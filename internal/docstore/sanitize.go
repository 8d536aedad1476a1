package docstore

// Sanitize returns a copy of v with every nil map value and nil array
// element removed, recursively. Sibling fields and elements are kept in
// their original order.
func Sanitize(v any) any {
	switch t := v.(type) {
	case Data:
		return map[string]any(SanitizeData(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if val == nil {
				continue
			}
			out = append(out, Sanitize(val))
		}
		return out
	default:
		return v
	}
}

// SanitizeData applies Sanitize to a document body.
func SanitizeData(d Data) Data {
	if d == nil {
		return Data{}
	}
	return Data(Sanitize(map[string]any(d)).(map[string]any))
}
