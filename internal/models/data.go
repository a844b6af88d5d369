package models

// CopyData deep-copies a data map built from JSON-like values
func CopyData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = CopyValue(v)
	}
	return out
}

// CopyValue deep-copies maps and slices; other values are returned as is
func CopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CopyData(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = CopyValue(item)
		}
		return out
	default:
		return v
	}
}

// MergeData copies every key of src into dst
func MergeData(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = CopyValue(v)
	}
}
