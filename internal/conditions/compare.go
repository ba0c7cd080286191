package conditions

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// typeName names a normalized JSON value's type for error messages.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func mismatch(op string, left, right any) error {
	return schema.NewErrorf(schema.ErrCodeTypeMismatch, "cannot apply %s to %s and %s", op, typeName(left), typeName(right)).
		WithDetails(map[string]any{"operator": op, "left_type": typeName(left), "right_type": typeName(right)})
}

// equal compares two values. null equals only null; any other pair of
// different types is a type mismatch.
func equal(left, right any) (bool, error) {
	l, r := expressions.Normalize(left), expressions.Normalize(right)
	if l == nil || r == nil {
		return l == nil && r == nil, nil
	}
	if typeName(l) != typeName(r) {
		return false, mismatch("eq", l, r)
	}
	return reflect.DeepEqual(l, r), nil
}

// order returns -1, 0 or 1. Only number/number and string/string pairs
// are ordered.
func order(op string, left, right any) (int, error) {
	l, r := expressions.Normalize(left), expressions.Normalize(right)
	switch lv := l.(type) {
	case float64:
		if rv, ok := r.(float64); ok {
			switch {
			case lv < rv:
				return -1, nil
			case lv > rv:
				return 1, nil
			}
			return 0, nil
		}
	case string:
		if rv, ok := r.(string); ok {
			return strings.Compare(lv, rv), nil
		}
	}
	return 0, mismatch(op, l, r)
}

// contains implements substring, element, key and sub-object containment.
func contains(container, item any) (bool, error) {
	c, it := expressions.Normalize(container), expressions.Normalize(item)
	switch cv := c.(type) {
	case string:
		s, ok := it.(string)
		if !ok {
			return false, mismatch("contains", c, it)
		}
		return strings.Contains(cv, s), nil
	case []any:
		for _, el := range cv {
			if reflect.DeepEqual(el, it) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		switch iv := it.(type) {
		case string:
			_, ok := cv[iv]
			return ok, nil
		case map[string]any:
			for k, want := range iv {
				got, ok := cv[k]
				if !ok || !reflect.DeepEqual(got, want) {
					return false, nil
				}
			}
			return true, nil
		}
	}
	return false, mismatch("contains", c, it)
}

func affix(op string, left, right any, fn func(s, affix string) bool) (bool, error) {
	l, r := expressions.Normalize(left), expressions.Normalize(right)
	ls, lok := l.(string)
	rs, rok := r.(string)
	if !lok || !rok {
		return false, mismatch(op, l, r)
	}
	return fn(ls, rs), nil
}
