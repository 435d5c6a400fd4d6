// Package convert implements the value converter (spec C4): a pure,
// stateless mapping between OPC UA wire-level values and property-typed
// values, with element-wise array handling and array-aware equality.
package convert

import (
	"fmt"
	"reflect"

	"github.com/gopcua/opcua/ua"
)

// FromWire extracts a Go value from a DataValue's variant, recursing into
// arrays element-wise. It is total: unrecognised variant types are passed
// through as-is rather than erroring, since the caller (the property
// setter) is responsible for final type coercion.
func FromWire(dv *ua.DataValue) (any, error) {
	if dv == nil || dv.Value == nil {
		return nil, nil
	}
	return fromVariant(dv.Value), nil
}

func fromVariant(v *ua.Variant) any {
	raw := v.Value()
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return raw
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// ToWire builds a ua.Variant from a property-typed value, including arrays.
func ToWire(value any) (*ua.Variant, error) {
	v, err := ua.NewVariant(value)
	if err != nil {
		return nil, fmt.Errorf("convert: build variant: %w", err)
	}
	return v, nil
}

// Equal performs array-aware structural equality used for change detection
// (§4.6 fast path, §4.5 polling). Scalars compare by ==; slices compare
// element-wise in order and length.
func Equal(a, b any) bool {
	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice != bIsSlice {
		return false
	}
	if aIsSlice {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !Equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}
