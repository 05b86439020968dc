package plugin

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"

	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/signal"
)

// Decode copies a configuration block into out, accepting strings for
// numbers, booleans, durations and runlevels. Unknown keys are rejected.
func Decode(cfg map[string]any, out any) error {
	if err := decode(cfg, out, true); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "decode plugin configuration")
	}
	return nil
}

// DecodeSignal copies the payload of namespace into out. It reports false
// when sig does not carry namespace. Unknown keys are ignored.
func DecodeSignal(sig *signal.Signal, namespace string, out any) (bool, error) {
	payload, ok := sig.Map(namespace)
	if !ok {
		if sig.Has(namespace) {
			return true, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("signal namespace %s must carry a map", namespace))
		}
		return false, nil
	}
	if err := decode(payload, out, false); err != nil {
		return true, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode signal "+namespace)
	}
	return true, nil
}

func decode(in map[string]any, out any, strict bool) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      strict,
		TagName:          "yaml",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToRunlevel,
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

var runlevelType = reflect.TypeOf(runlevel.Unknown)

func stringToRunlevel(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != runlevelType {
		return data, nil
	}
	return runlevel.Parse(data.(string))
}
