package farmagent

import "strings"

const (
	// EnvDeviceAllowlist optionally restricts the pool to a subset of device serials.
	// The value can be a comma/semicolon/whitespace-separated list, for example:
	//   FARM_DEVICE_ALLOWLIST="emulator-5554,R58M123ABC"
	EnvDeviceAllowlist = "FARM_DEVICE_ALLOWLIST"
)

// ParseDeviceAllowlist splits a raw allowlist value into unique serials.
func ParseDeviceAllowlist(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	return normalizeDeviceAllowlist(parts)
}

func normalizeDeviceAllowlist(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		trimmed := strings.TrimSpace(serial)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// deviceAllowlist is nil when every device is allowed.
type deviceAllowlist map[string]struct{}

func buildDeviceAllowlist(serials []string) deviceAllowlist {
	serials = normalizeDeviceAllowlist(serials)
	if len(serials) == 0 {
		return nil
	}
	set := make(deviceAllowlist, len(serials))
	for _, serial := range serials {
		set[serial] = struct{}{}
	}
	return set
}

func (a deviceAllowlist) allows(serial string) bool {
	if len(a) == 0 {
		return true
	}
	_, ok := a[strings.TrimSpace(serial)]
	return ok
}
