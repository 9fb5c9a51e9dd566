package processor

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// ConfigView gives typed, path-based reads over a node's config.
// Paths use gjson syntax, e.g. "size.width" or "tags.0".
type ConfigView struct {
	raw []byte
}

// NewConfigView snapshots cfg
func NewConfigView(cfg map[string]interface{}) ConfigView {
	if cfg == nil {
		return ConfigView{raw: []byte("{}")}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return ConfigView{raw: []byte("{}")}
	}
	return ConfigView{raw: raw}
}

func (v ConfigView) get(path string) gjson.Result {
	if len(v.raw) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(v.raw, path)
}

// Exists reports whether path is set
func (v ConfigView) Exists(path string) bool {
	return v.get(path).Exists()
}

// String returns the value at path, or def when unset
func (v ConfigView) String(path, def string) string {
	r := v.get(path)
	if !r.Exists() {
		return def
	}
	return r.String()
}

// Int returns the value at path, or def when unset or not a number
func (v ConfigView) Int(path string, def int) int {
	r := v.get(path)
	if !r.Exists() || r.Type != gjson.Number {
		return def
	}
	return int(r.Int())
}

// Float returns the value at path, or def when unset or not a number
func (v ConfigView) Float(path string, def float64) float64 {
	r := v.get(path)
	if !r.Exists() || r.Type != gjson.Number {
		return def
	}
	return r.Float()
}

// Bool returns the value at path, or def when unset
func (v ConfigView) Bool(path string, def bool) bool {
	r := v.get(path)
	if !r.Exists() {
		return def
	}
	return r.Bool()
}

// Raw returns the config as JSON
func (v ConfigView) Raw() []byte {
	return v.raw
}
