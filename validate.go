package gosmpls

// validate.go holds configuration errors and the checks that produce them.
// Configuration problems are found before the simulation runs and are
// reported together; nothing here is consulted once ticks start.

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrUnknownElement is returned when an element named in a request does not exist
var ErrUnknownElement = errors.New("unknown element")

// ErrMalformedRecord is returned when persisted state cannot be loaded
var ErrMalformedRecord = errors.New("malformed record")

// ErrCode classifies configuration errors
type ErrCode int

const (
	ErrMissingName ErrCode = iota + 1
	ErrDuplicateName
	ErrMissingAddress
	ErrDuplicateAddress
	ErrUnknownEndpoint
	ErrMissingPort
	ErrPortInUse
	ErrInvalidDelay
	ErrMissingDestination
	ErrUnknownDestination
	ErrUnknownRole
)

var errCodeToStr map[ErrCode]string = map[ErrCode]string{
	ErrMissingName:        "missing name",
	ErrDuplicateName:      "duplicate name",
	ErrMissingAddress:     "missing address",
	ErrDuplicateAddress:   "duplicate address",
	ErrUnknownEndpoint:    "unknown link endpoint",
	ErrMissingPort:        "missing port",
	ErrPortInUse:          "port in use",
	ErrInvalidDelay:       "invalid delay",
	ErrMissingDestination: "missing destination",
	ErrUnknownDestination: "unknown destination",
	ErrUnknownRole:        "unknown role",
}

func (code ErrCode) String() string {
	str, present := errCodeToStr[code]
	if !present {
		return fmt.Sprintf("ErrCode(%d)", int(code))
	}
	return str
}

// ConfigError describes one configuration problem
type ConfigError struct {
	Code    ErrCode
	Element string
	Detail  string
}

func (ce *ConfigError) Error() string {
	msg := ce.Code.String()
	if ce.Element != "" {
		msg = ce.Element + ": " + msg
	}
	if ce.Detail != "" {
		msg += " (" + ce.Detail + ")"
	}
	return msg
}

// Is lets errors.Is match a ConfigError by code, e.g.
// errors.Is(err, &ConfigError{Code: ErrPortInUse})
func (ce *ConfigError) Is(target error) bool {
	other, ok := target.(*ConfigError)
	if !ok {
		return false
	}
	return other.Code == ce.Code
}

// HasCode reports whether err, or any error joined into it, is a ConfigError with the code
func HasCode(err error, code ErrCode) bool {
	return errors.Is(err, &ConfigError{Code: code})
}

// Validate checks a topology description.  All problems found are returned joined.
func (tc *TopoCfg) Validate() error {
	errs := make([]error, 0)
	names := make(map[string]bool)
	addrs := make(map[netip.Addr]string)
	ports := make(map[string]int)
	roles := make(map[string]Role)

	for _, nd := range tc.Nodes {
		if nd.Name == "" {
			errs = append(errs, &ConfigError{Code: ErrMissingName, Detail: "node"})
			continue
		}
		if names[nd.Name] {
			errs = append(errs, &ConfigError{Code: ErrDuplicateName, Element: nd.Name})
			continue
		}
		names[nd.Name] = true

		role, ok := RoleFromStr(nd.Role)
		if !ok {
			errs = append(errs, &ConfigError{Code: ErrUnknownRole, Element: nd.Name, Detail: nd.Role})
		}
		roles[nd.Name] = role

		addr, err := netip.ParseAddr(nd.Address)
		if err != nil {
			errs = append(errs, &ConfigError{Code: ErrMissingAddress, Element: nd.Name, Detail: nd.Address})
		} else if other, present := addrs[addr]; present {
			errs = append(errs, &ConfigError{Code: ErrDuplicateAddress, Element: nd.Name,
				Detail: fmt.Sprintf("%s already used by %s", addr, other)})
		} else {
			addrs[addr] = nd.Name
		}
		if nd.Prefix != "" {
			if _, err := netip.ParsePrefix(nd.Prefix); err != nil {
				errs = append(errs, &ConfigError{Code: ErrMissingAddress, Element: nd.Name,
					Detail: "bad prefix " + nd.Prefix})
			}
		}

		count := nd.Ports
		if role.Host() {
			count = 1
		} else if count < 1 {
			count = defaultRouterPorts
		}
		ports[nd.Name] = count
	}

	linkNames := make(map[string]bool)
	bound := make(map[string]bool)
	for _, ld := range tc.Links {
		name := ld.Name
		if name == "" {
			name = ld.NodeA + "-" + ld.NodeB
		}
		if linkNames[name] {
			errs = append(errs, &ConfigError{Code: ErrDuplicateName, Element: name})
		}
		linkNames[name] = true

		if ld.DelayNs < minLinkDelay {
			errs = append(errs, &ConfigError{Code: ErrInvalidDelay, Element: name,
				Detail: fmt.Sprintf("delay %d ns", ld.DelayNs)})
		}
		for _, end := range []struct {
			node string
			port int
		}{{ld.NodeA, ld.PortA}, {ld.NodeB, ld.PortB}} {
			count, present := ports[end.node]
			if !present {
				errs = append(errs, &ConfigError{Code: ErrUnknownEndpoint, Element: name, Detail: end.node})
				continue
			}
			if end.port < 0 {
				// assigned at build time
				continue
			}
			if end.port >= count {
				errs = append(errs, &ConfigError{Code: ErrMissingPort, Element: name,
					Detail: fmt.Sprintf("node %s has no port %d", end.node, end.port)})
				continue
			}
			key := fmt.Sprintf("%s/%d", end.node, end.port)
			if bound[key] {
				errs = append(errs, &ConfigError{Code: ErrPortInUse, Element: name, Detail: key})
			}
			bound[key] = true
		}
	}

	for _, td := range tc.Traffic {
		role, present := roles[td.Source]
		if !present {
			errs = append(errs, &ConfigError{Code: ErrUnknownEndpoint, Element: td.Source, Detail: "traffic source"})
			continue
		}
		if role != RoleSource {
			errs = append(errs, &ConfigError{Code: ErrUnknownRole, Element: td.Source,
				Detail: "traffic source must have role Source"})
		}
		if td.Destination == "" {
			errs = append(errs, &ConfigError{Code: ErrMissingDestination, Element: td.Source})
			continue
		}
		if _, present := names[td.Destination]; !present {
			if _, err := netip.ParseAddr(td.Destination); err != nil {
				errs = append(errs, &ConfigError{Code: ErrUnknownDestination, Element: td.Source,
					Detail: td.Destination})
			}
		}
	}
	return errors.Join(errs...)
}

// Validate checks a built topology: every node reached by a link, sources with
// a resolvable destination, links connected at both ends
func (topo *Topology) Validate() error {
	errs := make([]error, 0)
	for _, node := range topo.Nodes() {
		if !node.wellConfigured {
			errs = append(errs, &ConfigError{Code: ErrMissingPort, Element: node.name, Detail: "no link attached"})
		}
		if node.role == RoleSource {
			if node.source == nil {
				errs = append(errs, &ConfigError{Code: ErrMissingDestination, Element: node.name})
			} else if _, found := topo.NodeByAddr(node.source.dst); !found {
				errs = append(errs, &ConfigError{Code: ErrUnknownDestination, Element: node.name,
					Detail: node.source.dst.String()})
			}
		}
	}
	for _, link := range topo.Links() {
		if !link.Connected() {
			errs = append(errs, &ConfigError{Code: ErrUnknownEndpoint, Element: link.name, Detail: "not connected"})
		}
	}
	return errors.Join(errs...)
}
