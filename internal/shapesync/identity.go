package shapesync

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Row is an opaque keyed record mirrored from a server table.
type Row map[string]any

const rowIDSuffix = "_id"

// SourceKey derives the stable identity of one logical server resource from
// its table and parameter set. Parameter insertion order never affects the
// result.
func SourceKey(table string, params map[string]string) string {
	if len(params) == 0 {
		return table
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}
	return table + "?" + strings.Join(pairs, "&")
}

// CollectionID distinguishes a mutation-capable mirror from a read-only
// mirror of the same source, so that caching one never short-circuits the
// other.
func CollectionID(table string, params map[string]string, mutable bool) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := []string{table}
	for _, key := range keys {
		parts = append(parts, params[key])
	}
	id := strings.Join(parts, "/")
	if mutable {
		id += "-rw"
	}
	return id
}

// RowKey derives the deterministic identity of a row: the row's own id field
// when present, otherwise every field ending in "_id" joined in sorted
// field-name order. Supports composite-key join records.
func RowKey(row Row) string {
	if id, ok := row["id"]; ok {
		return fieldString(id)
	}
	keys := make([]string, 0, len(row))
	for key := range row {
		if strings.HasSuffix(key, rowIDSuffix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fieldString(row[key]))
	}
	return strings.Join(parts, "/")
}

func fieldString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
