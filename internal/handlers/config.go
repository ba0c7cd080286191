package handlers

import (
	"github.com/mitchellh/mapstructure"

	"github.com/rendis/chainflow/pkg/schema"
)

// DecodeConfig decodes a handler's free-form config map into out, which must
// be a pointer to a struct. Fields are matched by their json tag, and string
// values are weakly converted ("3" -> 3, "10s" -> time.Duration).
func DecodeConfig(config map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid config target").WithCause(err)
	}
	if err := dec.Decode(config); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode handler config: %v", err).WithCause(err)
	}
	return nil
}
