package rpc

import (
	"math"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// String returns the string field key of req, or "" when absent or not a string.
func String(req *structpb.Struct, key string) string {
	v, ok := req.GetFields()[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// Int returns the numeric field key of req truncated to int, or def when absent.
func Int(req *structpb.Struct, key string, def int) int {
	v, ok := req.GetFields()[key]
	if !ok {
		return def
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return def
	}
	n := v.GetNumberValue()
	if math.IsNaN(n) || n > math.MaxInt32 || n < math.MinInt32 {
		return def
	}
	return int(n)
}

// Timestamp renders t as RFC 3339 in UTC, or nil for the zero time so the field becomes null.
func Timestamp(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// OptionalTimestamp is Timestamp for nullable times.
func OptionalTimestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return Timestamp(*t)
}

// Struct converts m into a response message. Conversion failures become Internal.
func Struct(m map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return s, nil
}

// List wraps items under key in a response message.
func List[T any](key string, items []T, toMap func(T) map[string]interface{}) (*structpb.Struct, error) {
	out := make([]interface{}, 0, len(items))
	for _, it := range items {
		out = append(out, toMap(it))
	}
	return Struct(map[string]interface{}{key: out})
}

// PageSize clamps a requested page size to [1, max], using def for non-positive values.
func PageSize(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}
