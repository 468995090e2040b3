package command

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the first byte of a device command.
type Kind uint8

const (
	NoOp           Kind = 0x00
	ADCRange       Kind = 0x01
	SampleRate     Kind = 0x02
	PulseWidth     Kind = 0x04
	SampleAvg      Kind = 0x08
	IRLEDPA        Kind = 0x10
	RedLEDPA       Kind = 0x20
	Reboot         Kind = 0x40
	CollectionMode Kind = 0x80
)

// Size is the wire length of every command.
const Size = 2

var (
	ErrOutOfDomain = errors.New("command: value out of domain")
	ErrUnknownCode = errors.New("command: unknown code")
)

var kindNames = map[Kind]string{
	NoOp:           "NoOp",
	ADCRange:       "ADCRange",
	SampleRate:     "SampleRate",
	PulseWidth:     "PulseWidth",
	SampleAvg:      "SampleAvg",
	IRLEDPA:        "IRLEDPA",
	RedLEDPA:       "RedLEDPA",
	Reboot:         "Reboot",
	CollectionMode: "CollectionMode",
}

// Kinds lists every command kind in wire-code order.
var Kinds = []Kind{NoOp, ADCRange, SampleRate, PulseWidth, SampleAvg, IRLEDPA, RedLEDPA, Reboot, CollectionMode}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(0x%02x)", uint8(k))
}

// Valid reports whether k is one of the defined command kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind resolves a kind from its name (case-insensitive) or numeric code.
func ParseKind(raw string) (Kind, error) {
	s := strings.TrimSpace(raw)
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	var code uint8
	if _, err := fmt.Sscanf(s, "0x%x", &code); err == nil && Kind(code).Valid() {
		return Kind(code), nil
	}
	return 0, &DecodeError{Field: "kind", Raw: s}
}

// Command is one encoded 2-byte device command.
type Command struct {
	Kind    Kind
	Payload byte
}

// Bytes returns the wire form [kind][payload].
func (c Command) Bytes() []byte {
	return []byte{byte(c.Kind), c.Payload}
}

func (c Command) String() string {
	return fmt.Sprintf("%s(0x%02x)", c.Kind, c.Payload)
}

// DomainError reports a human value outside its parameter table or range.
type DomainError struct {
	Kind  Kind
	Field string
	Value int
	// Input is the rejected value as given, when it is not an integer.
	Input string
}

func (e *DomainError) Error() string {
	if e.Input != "" {
		return fmt.Sprintf("command: %s %s=%s out of domain", e.Kind, e.Field, e.Input)
	}
	return fmt.Sprintf("command: %s %s=%d out of domain", e.Kind, e.Field, e.Value)
}

func (e *DomainError) Unwrap() error { return ErrOutOfDomain }

// DecodeError reports a byte that matches no table entry.
type DecodeError struct {
	Kind  Kind
	Field string
	Code  byte
	Raw   string
}

func (e *DecodeError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("command: unknown %s %q", e.Field, e.Raw)
	}
	return fmt.Sprintf("command: unknown %s code 0x%02x for %s", e.Field, e.Code, e.Kind)
}

func (e *DecodeError) Unwrap() error { return ErrUnknownCode }
