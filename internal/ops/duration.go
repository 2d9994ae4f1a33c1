package ops

import (
	"encoding/json"
	"time"

	"calsync/pkg/exception"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"
)

// Duration decodes "1.5s" style strings, or a plain number of milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(exception.ErrConfigInvalidDuration, string(data))
	}
	return d.set(raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return errors.Wrap(exception.ErrConfigInvalidDuration, node.Value)
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(exception.ErrConfigInvalidDuration, "%q", v)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Millisecond)))
	case int:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case nil:
		*d = 0
	default:
		return errors.Wrapf(exception.ErrConfigInvalidDuration, "%v", raw)
	}
	return nil
}
