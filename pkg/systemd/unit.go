package systemd

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("systemd: unsupported OS (linux only)")
	ErrClosed      = errors.New("systemd: connection is closed")
)

// UnitStatus is the state of one unit as reported by systemd.
type UnitStatus struct {
	Name        string    `json:"name"`
	Active      string    `json:"active"`    // active, inactive, failed, ...
	SubState    string    `json:"sub_state"` // running, dead, ...
	LoadState   string    `json:"load_state"`
	Description string    `json:"description,omitempty"`
	ActiveSince time.Time `json:"active_since,omitzero"`
	StateChange time.Time `json:"state_change,omitzero"`
	MainPID     uint32    `json:"main_pid,omitempty"`
}

// Found reports whether systemd knows the unit.
func (s UnitStatus) Found() bool { return s.LoadState != "not-found" }

func notFound(name string) UnitStatus {
	return UnitStatus{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

// unitName appends ".service" when name has no unit suffix.
func unitName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "timer", "socket", "target", "path", "mount":
			return name
		}
	}
	return name + ".service"
}

func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// microseconds since the Unix epoch
		return time.Unix(int64(ts/1_000_000), 0)
	}
	return time.Time{}
}

func stringProp(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}

func statusFromProps(name string, props map[string]any) UnitStatus {
	st := UnitStatus{
		Name:        name,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		ActiveSince: parseTimestamp(props, "ActiveEnterTimestamp"),
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}
	if st.LoadState == "not-found" {
		return notFound(name)
	}
	if pid, ok := props["MainPID"].(uint32); ok {
		st.MainPID = pid
	}
	return st
}
