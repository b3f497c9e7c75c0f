package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrVarNotFound is returned when a variable is not found in a Vars map.
var ErrVarNotFound = errors.New("variable not found")

// Vars manages the token payload as a map of key-value pairs.  The values
// must be primitive go types.
type Vars struct {
	Vals map[string]any
}

// NewVars creates and returns an empty variable map.
func NewVars() *Vars {
	return &Vars{
		Vals: make(map[string]any),
	}
}

// Get takes the desired return type as parameter and safely searches the map
// and returns the value if it is found and is of the desired type.
func Get[V any](vars *Vars, key string) (V, error) { //nolint:ireturn
	var v V

	if vars.Vals[key] == nil {
		return v, fmt.Errorf("token var %s found nil: %w", key, ErrVarNotFound)
	}

	v, ok := vars.Vals[key].(V)
	if !ok {
		return v, fmt.Errorf("token var %s is %s not %T: %w", key, reflect.TypeOf(vars.Vals[key]).Name(), v, ErrVarNotFound)
	}

	return v, nil
}

// GetString validates that a key has an underlying string value and safely
// returns the result.
func (vars *Vars) GetString(key string) (string, error) {
	v, err := Get[string](vars, key)
	if err != nil {
		return "", fmt.Errorf("getString: %w", err)
	}
	return v, nil
}

// GetInt64 validates that a key has an underlying integer value and safely
// returns the result.
func (vars *Vars) GetInt64(key string) (int64, error) {
	xt, ok := vars.Vals[key]
	if !ok {
		return 0, fmt.Errorf("token var %s not present: %w", key, ErrVarNotFound)
	}
	switch ut := xt.(type) {
	case int:
		return int64(ut), nil
	case int8:
		return int64(ut), nil
	case int16:
		return int64(ut), nil
	case int32:
		return int64(ut), nil
	case int64:
		return ut, nil
	case uint8:
		return int64(ut), nil
	case uint16:
		return int64(ut), nil
	case uint32:
		return int64(ut), nil
	default:
		return 0, fmt.Errorf("token var %s is %s not int64: %w", key, reflect.TypeOf(xt).Name(), ErrVarNotFound)
	}
}

// GetBool validates that a key has an underlying bool value and safely
// returns the result.
func (vars *Vars) GetBool(key string) (bool, error) {
	v, err := Get[bool](vars, key)
	if err != nil {
		return false, fmt.Errorf("getBool: %w", err)
	}
	return v, nil
}

// GetFloat64 validates that a key has an underlying float64 value and safely
// returns the result.
func (vars *Vars) GetFloat64(key string) (float64, error) {
	return Get[float64](vars, key)
}

// SetString sets a string value for the specified key.
func (vars *Vars) SetString(key string, value string) {
	vars.Vals[key] = value
}

// SetInt64 sets an int64 value for the specified key.
func (vars *Vars) SetInt64(key string, value int64) {
	vars.Vals[key] = value
}

// SetFloat64 sets a float64 value for the specified key.
func (vars *Vars) SetFloat64(key string, value float64) {
	vars.Vals[key] = value
}

// SetBool sets a boolean value for the specified key.
func (vars *Vars) SetBool(key string, value bool) {
	vars.Vals[key] = value
}

// Encode encodes the variable map into a binary payload snapshot.
func (vars *Vars) Encode(ctx context.Context) ([]byte, error) {
	b, err := msgpack.Marshal(vars.Vals)
	if err != nil {
		slog.Error("encode vars", slog.Any("error", err))
		return nil, fmt.Errorf("encode vars: %w", err)
	}
	return b, nil
}

// Decode decodes a binary payload snapshot into the variable map.
func (vars *Vars) Decode(ctx context.Context, b []byte) error {
	if len(b) == 0 {
		return nil
	}

	if err := msgpack.Unmarshal(b, &vars.Vals); err != nil {
		slog.Error("decode vars", slog.Any("error", err))
		return fmt.Errorf("decode vars: %w", err)
	}
	return nil
}

// Merge copies every entry of other over the receiver's entries.
func (vars *Vars) Merge(other *Vars) {
	maps.Copy(vars.Vals, other.Vals)
}

// Copy returns a shallow copy of the variable map.
func (vars *Vars) Copy() *Vars {
	return &Vars{Vals: maps.Clone(vars.Vals)}
}

// Len returns the number of key-value pairs held.
func (vars *Vars) Len() int {
	return len(vars.Vals)
}
