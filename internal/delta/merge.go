package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidDelta indicates that a payload could not be merged.
var ErrInvalidDelta = errors.New("delta: invalid payload")

// Merger folds the updates of a single document into one update. Implementations
// must be commutative and idempotent over their inputs; payload bytes are opaque
// to everything else in this package.
type Merger interface {
	Merge(updates [][]byte) ([]byte, error)
}

// Register is one last-writer-wins cell of an LWW payload.
type Register struct {
	Key    string `json:"key"`
	Clock  uint64 `json:"clock"`
	Client string `json:"client"`
	Value  string `json:"value"`
}

type registerDocument struct {
	Registers []Register `json:"registers"`
}

// LWWMerger merges JSON register maps, keeping the highest (clock, client) per key.
type LWWMerger struct{}

// NewLWWMerger constructs the default merger.
func NewLWWMerger() LWWMerger {
	return LWWMerger{}
}

// Merge implements Merger.
func (LWWMerger) Merge(updates [][]byte) ([]byte, error) {
	winners := make(map[string]Register)
	for index, update := range updates {
		var document registerDocument
		if err := json.Unmarshal(update, &document); err != nil {
			return nil, fmt.Errorf("%w: update %d: %v", ErrInvalidDelta, index, err)
		}
		for _, register := range document.Registers {
			current, seen := winners[register.Key]
			if !seen || registerWins(register, current) {
				winners[register.Key] = register
			}
		}
	}
	return EncodeRegisters(registersOf(winners))
}

// EncodeRegisters produces a canonical payload: registers sorted by key.
func EncodeRegisters(registers []Register) ([]byte, error) {
	sorted := append([]Register(nil), registers...)
	sort.Slice(sorted, func(left, right int) bool {
		return sorted[left].Key < sorted[right].Key
	})
	if sorted == nil {
		sorted = []Register{}
	}
	return json.Marshal(registerDocument{Registers: sorted})
}

// RegisterText joins register values in key order, the searchable projection of an
// LWW payload.
func RegisterText(payload []byte) (string, error) {
	var document registerDocument
	if err := json.Unmarshal(payload, &document); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	sort.Slice(document.Registers, func(left, right int) bool {
		return document.Registers[left].Key < document.Registers[right].Key
	})
	values := make([]string, 0, len(document.Registers))
	for _, register := range document.Registers {
		values = append(values, register.Value)
	}
	return strings.Join(values, " "), nil
}

func registerWins(candidate, current Register) bool {
	if candidate.Clock != current.Clock {
		return candidate.Clock > current.Clock
	}
	if candidate.Client != current.Client {
		return candidate.Client > current.Client
	}
	return candidate.Value > current.Value
}

func registersOf(winners map[string]Register) []Register {
	registers := make([]Register, 0, len(winners))
	for _, register := range winners {
		registers = append(registers, register)
	}
	return registers
}
