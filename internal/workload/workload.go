// Package workload generates random sequences of database actions used to
// test and benchmark the storage engine against a reference map.
package workload

import (
	"math/rand"

	"github.com/lindend/lsmkv/internal/value"
)

type Operation int

const (
	Get Operation = iota
	Insert
	Delete
	numOperations
)

func (o Operation) String() string {
	switch o {
	case Get:
		return "GET"
	case Insert:
		return "INSERT"
	case Delete:
		return "DELETE"
	}
	return "UNKNOWN"
}

type Action struct {
	Op    Operation
	Key   string
	Value value.Value
}

type KeyValue struct {
	Key   string
	Value value.Value
}

const keyCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

type Generator struct {
	rng        *rand.Rand
	maxKeySize int
}

func NewGenerator(seed int64, maxKeySize int) *Generator {
	return &Generator{
		rng:        rand.New(rand.NewSource(seed)),
		maxKeySize: maxKeySize,
	}
}

// RandomWorkload samples numActions actions over numActions/actionsPerKey
// distinct key-value pairs. Reads and deletes may target keys that were never
// inserted.
func (g *Generator) RandomWorkload(numActions, actionsPerKey int) []Action {
	pairs := g.RandomKeyValues(numPairs(numActions, actionsPerKey), g.maxKeySize)
	actions := make([]Action, 0, numActions)
	for len(actions) < numActions {
		kv := pairs[g.rng.Intn(len(pairs))]
		actions = append(actions, Action{Op: g.randomOperation(), Key: kv.Key, Value: kv.Value})
	}
	return actions
}

// CorrectRandomWorkload is like RandomWorkload, but only reads and deletes
// keys that are inserted at that point of the workload.
func (g *Generator) CorrectRandomWorkload(numActions, actionsPerKey int) []Action {
	pairs := g.RandomKeyValues(numPairs(numActions, actionsPerKey), g.maxKeySize)
	inserted := make(map[string]bool)
	actions := make([]Action, 0, numActions)
	for len(actions) < numActions {
		kv := pairs[g.rng.Intn(len(pairs))]
		op := g.randomOperation()
		for !inserted[kv.Key] && op != Insert {
			op = g.randomOperation()
		}

		switch op {
		case Insert:
			inserted[kv.Key] = true
		case Delete:
			inserted[kv.Key] = false
		}
		actions = append(actions, Action{Op: op, Key: kv.Key, Value: kv.Value})
	}
	return actions
}

// OnlyInsertsWorkload returns n inserts of random key-value pairs.
func (g *Generator) OnlyInsertsWorkload(n int) []Action {
	actions := make([]Action, 0, n)
	for _, kv := range g.RandomKeyValues(n, g.maxKeySize) {
		actions = append(actions, Action{Op: Insert, Key: kv.Key, Value: kv.Value})
	}
	return actions
}

// RandomKeyValues returns n pairs with keys of 1 to maxKeyLength characters.
// Keys are not guaranteed to be unique.
func (g *Generator) RandomKeyValues(n int, maxKeyLength int) []KeyValue {
	pairs := make([]KeyValue, n)
	for i := range pairs {
		pairs[i] = KeyValue{
			Key:   g.randomString(g.between(1, maxKeyLength)),
			Value: g.RandomValue(),
		}
	}
	return pairs
}

func (g *Generator) RandomValue() value.Value {
	switch value.Type(g.rng.Intn(value.NumTypes)) {
	case value.TypeInt:
		return value.Int(int32(g.between(-1000, 1000)))
	case value.TypeLong:
		return value.Long(int64(g.between(-1000, 1000)))
	case value.TypeDouble:
		return value.Double(-1000 + g.rng.Float64()*2000)
	case value.TypeBool:
		return value.Bool(g.rng.Intn(2) == 1)
	default:
		return value.Text(g.randomString(g.between(1, 50)))
	}
}

func (g *Generator) randomOperation() Operation {
	return Operation(g.rng.Intn(int(numOperations)))
}

func (g *Generator) randomString(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = keyCharset[g.rng.Intn(len(keyCharset))]
	}
	return string(b)
}

// between returns a random int in [min, max].
func (g *Generator) between(min, max int) int {
	return min + g.rng.Intn(max-min+1)
}

func numPairs(numActions, actionsPerKey int) int {
	if actionsPerKey < 1 {
		actionsPerKey = 1
	}
	n := numActions / actionsPerKey
	if n < 1 {
		n = 1
	}
	return n
}
