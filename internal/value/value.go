package value

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrMalformedValue = errors.New("malformed value")
	ErrUnknownType    = errors.New("unknown value type")
)

// Type is the stable type index of a Value. It is persisted in both the
// write-ahead log and the values region of SSTables, so the numbering must
// never change.
type Type uint32

const (
	TypeInt Type = iota
	TypeLong
	TypeDouble
	TypeBool
	TypeText
)

// NumTypes is the number of value types.
const NumTypes = 5

func (t Type) Valid() bool {
	return t < NumTypes
}

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeLong:
		return "long"
	case TypeDouble:
		return "double"
	case TypeBool:
		return "bool"
	case TypeText:
		return "text"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Value is a closed tagged union of the types the database can store.
// Values are comparable with ==.
type Value struct {
	typ Type
	num int64
	dbl float64
	b   bool
	str string
}

func Int(v int32) Value {
	return Value{typ: TypeInt, num: int64(v)}
}

func Long(v int64) Value {
	return Value{typ: TypeLong, num: v}
}

func Double(v float64) Value {
	return Value{typ: TypeDouble, dbl: v}
}

func Bool(v bool) Value {
	return Value{typ: TypeBool, b: v}
}

func Text(v string) Value {
	return Value{typ: TypeText, str: v}
}

func (v Value) Type() Type {
	return v.typ
}

func (v Value) Int() (int32, bool) {
	return int32(v.num), v.typ == TypeInt
}

func (v Value) Long() (int64, bool) {
	return v.num, v.typ == TypeLong
}

func (v Value) Double() (float64, bool) {
	return v.dbl, v.typ == TypeDouble
}

func (v Value) Bool() (bool, bool) {
	return v.b, v.typ == TypeBool
}

func (v Value) Text() (string, bool) {
	return v.str, v.typ == TypeText
}

// String returns the canonical text form of the value, see ToText.
func (v Value) String() string {
	return ToText(v)
}

// ToText encodes a value into its canonical text form. FromText reverses
// it given the value's type index.
func ToText(v Value) string {
	switch v.typ {
	case TypeInt, TypeLong:
		return strconv.FormatInt(v.num, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.dbl, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.b)
	default:
		return v.str
	}
}

// FromText decodes the canonical text form of a value of type t.
func FromText(t Type, text string) (Value, error) {
	switch t {
	case TypeInt:
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an int", ErrMalformedValue, text)
		}
		return Int(int32(n)), nil
	case TypeLong:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a long", ErrMalformedValue, text)
		}
		return Long(n), nil
	case TypeDouble:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a double", ErrMalformedValue, text)
		}
		return Double(f), nil
	case TypeBool:
		// strconv.ParseBool accepts "1", "T" etc, only the canonical forms are valid here
		switch text {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		}
		return Value{}, fmt.Errorf("%w: expected 'true' or 'false', got %q", ErrMalformedValue, text)
	case TypeText:
		return Text(text), nil
	}
	return Value{}, fmt.Errorf("%w: %d", ErrUnknownType, uint32(t))
}
