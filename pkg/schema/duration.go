package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that travels on the wire as whole seconds.
// Sub-second precision is truncated on encode. Strings such as "1m30s" are
// accepted on decode for hand-written documents.
type Duration time.Duration

// Seconds returns a pointer to a Duration of n seconds.
func Seconds(n int) *Duration {
	d := Duration(time.Duration(n) * time.Second)
	return &d
}

// Std returns the value as a time.Duration. A nil receiver is zero.
func (d *Duration) Std() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(time.Duration(d) / time.Second))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		if val < 0 {
			return fmt.Errorf("duration must be non-negative, got %v", val)
		}
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}
