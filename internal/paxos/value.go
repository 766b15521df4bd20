package paxos

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is the opaque election payload. Only equality matters to the
// protocol; the empty value means "none".
type Value string

const NoValue Value = ""

func (v Value) IsEmpty() bool { return v == NoValue }

const masterValueSeparator = "$$$"

// MasterValue is the usual election payload: the address and name of the
// node that should become master.
type MasterValue struct {
	Host     string
	Port     int
	NodeName string
}

func (m MasterValue) Value() Value {
	return Value(m.Host + masterValueSeparator + strconv.Itoa(m.Port) + masterValueSeparator + m.NodeName)
}

func (m MasterValue) Addr() string {
	return m.Host + ":" + strconv.Itoa(m.Port)
}

func ParseMasterValue(v Value) (MasterValue, error) {
	parts := strings.Split(string(v), masterValueSeparator)
	if len(parts) != 3 {
		return MasterValue{}, fmt.Errorf("paxos: malformed master value %q", v)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return MasterValue{}, fmt.Errorf("paxos: malformed master port in %q: %w", v, err)
	}
	return MasterValue{Host: parts[0], Port: port, NodeName: parts[2]}, nil
}
