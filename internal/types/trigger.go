package types

import "fmt"

// TriggerMode is the camera's exposure trigger source
type TriggerMode string

const (
	TriggerFreeRun     TriggerMode = "free_run"
	TriggerInternal    TriggerMode = "internal"
	TriggerExternal    TriggerMode = "external"
	TriggerGlobalReset TriggerMode = "global_reset"
)

// TriggerModes lists every supported mode
var TriggerModes = []TriggerMode{TriggerFreeRun, TriggerInternal, TriggerExternal, TriggerGlobalReset}

// ParseTriggerMode maps a config or command value to a TriggerMode ("" is free_run)
func ParseTriggerMode(s string) (TriggerMode, error) {
	if s == "" {
		return TriggerFreeRun, nil
	}
	for _, m := range TriggerModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown trigger mode %q", s)
}
