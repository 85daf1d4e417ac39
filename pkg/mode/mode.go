// Package mode defines operating modes and the model classes each mode admits.
package mode

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Mode is the deployment posture constraining which model classes may be used.
type Mode int

const (
	LocalOnly Mode = iota
	Airgapped
	Burst
)

var modeNames = [...]string{"local_only", "airgapped", "burst"}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// Parse converts a mode name to a Mode. Hyphens and case are ignored.
func Parse(s string) (Mode, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "local_only", "localonly", "local":
		return LocalOnly, nil
	case "airgapped", "air_gapped":
		return Airgapped, nil
	case "burst":
		return Burst, nil
	}
	return LocalOnly, fmt.Errorf("unknown operating mode %q", s)
}

// MarshalJSON implements json.Marshaler.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Class says where a model runs.
type Class int

const (
	// ClassLocal models run on this machine (loopback endpoints).
	ClassLocal Class = iota
	// ClassNetwork models are self-hosted but reached over the network.
	ClassNetwork
	// ClassCloud models are served by a third-party API.
	ClassCloud
)

var classNames = [...]string{"local", "network", "cloud"}

func (c Class) String() string {
	if c >= 0 && int(c) < len(classNames) {
		return classNames[c]
	}
	return "unknown"
}

// ParseClass converts a class name to a Class.
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return ClassLocal, nil
	case "network", "lan":
		return ClassNetwork, nil
	case "cloud":
		return ClassCloud, nil
	}
	return ClassLocal, fmt.Errorf("unknown model class %q", s)
}

// Policy decides whether a model of a given class may be used in a mode.
type Policy struct {
	// BurstAllowCloud admits cloud models in Burst mode.
	BurstAllowCloud bool
	// LocalOnlyAllow lists network (never cloud) models admitted in LocalOnly,
	// as "name" for any provider or "name@provider".
	LocalOnlyAllow []string
}

// Allows reports whether model (of class c) is permitted in mode m. model is
// a bare name or a provider-qualified id. Airgapped admits local models only,
// with no exceptions.
func (p Policy) Allows(m Mode, model string, c Class) bool {
	switch m {
	case Airgapped:
		return c == ClassLocal
	case LocalOnly:
		switch c {
		case ClassLocal:
			return true
		case ClassNetwork:
			return p.localOnlyAllows(model)
		default:
			return false
		}
	case Burst:
		if c == ClassCloud {
			return p.BurstAllowCloud
		}
		return true
	}
	return false
}

func (p Policy) localOnlyAllows(id string) bool {
	name, prov := splitModelID(id)
	for _, allowed := range p.LocalOnlyAllow {
		an, ap := splitModelID(allowed)
		if an != name {
			continue
		}
		if ap == "" || strings.EqualFold(ap, prov) {
			return true
		}
	}
	return false
}

func splitModelID(id string) (name, prov string) {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "@"); i > 0 && i < len(id)-1 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

// Explain returns a short reason why model is rejected in mode m, or "" if it is allowed.
func (p Policy) Explain(m Mode, model string, c Class) string {
	if p.Allows(m, model, c) {
		return ""
	}
	if c == ClassCloud && m == Burst {
		return "cloud models not enabled for burst mode"
	}
	return fmt.Sprintf("%s model not permitted in %s mode", c, m)
}

// IsLocalhost reports whether host (optionally with port) is a loopback address.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ClassForEndpoint derives a class from a self-hosted endpoint URL.
// An empty URL means a vendor-hosted API.
func ClassForEndpoint(rawURL string) Class {
	if strings.TrimSpace(rawURL) == "" {
		return ClassCloud
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ClassNetwork
	}
	if IsLocalhost(u.Host) {
		return ClassLocal
	}
	return ClassNetwork
}
