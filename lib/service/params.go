package service

import "encoding/json"

// Object paths, method and signal names of the bus surface.
const (
	ManagerPath = "/"

	SignalValueChanged = "valueChanged"
)

// AcquireParams names a configuration file. UID is only read by
// acquireManagerV2.
type AcquireParams struct {
	UID     uint32 `json:"uid,omitempty"`
	AppID   string `json:"appid"`
	Name    string `json:"name"`
	Subpath string `json:"subpath,omitempty"`
}

type PathParams struct {
	Path string `json:"path"`
}

type UIDParams struct {
	UID uint32 `json:"uid"`
}

type DelayParams struct {
	MS int64 `json:"ms"`
}

// KeyParams addresses one key. Language selects localized names and
// descriptions.
type KeyParams struct {
	Key      string `json:"key"`
	Language string `json:"language,omitempty"`
}

type SetValueParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// ValueChanged is the payload of the valueChanged signal.
type ValueChanged struct {
	Path   string `json:"path"`
	Key    string `json:"key"`
	Global bool   `json:"global"`
}
