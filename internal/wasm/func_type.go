package wasm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/unwasm/unwasm/api"
)

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a function with this signature.
	Params []api.ValueType

	// Results are the possibly empty sequence of value types returned by a function with this signature.
	Results []api.ValueType

	// key is the cached String result
	key string
}

// NewFunctionType returns a FunctionType with its key precomputed.
func NewFunctionType(params, results []api.ValueType) *FunctionType {
	ft := &FunctionType{Params: params, Results: results}
	ft.key = ft.String()
	return ft
}

// String returns a canonical key for the signature, such as "i32i32_i32" or "v_v".
func (f *FunctionType) String() string {
	if f.key != "" {
		return f.key
	}
	var ret strings.Builder
	for _, b := range f.Params {
		ret.WriteString(api.ValueTypeName(b))
	}
	if len(f.Params) == 0 {
		ret.WriteString("v")
	}
	ret.WriteByte('_')
	for _, b := range f.Results {
		ret.WriteString(api.ValueTypeName(b))
	}
	if len(f.Results) == 0 {
		ret.WriteString("v")
	}
	return ret.String()
}

// EqualsSignature returns true if the function type has the same parameters and results.
func (f *FunctionType) EqualsSignature(params []api.ValueType, results []api.ValueType) bool {
	return string(f.Params) == string(params) && string(f.Results) == string(results)
}

// FunctionTypeID is a uniquely assigned integer for a function type in a TypeRegistry. Structurally equal signatures
// registered by different modules share an ID, which is what indirect calls compare.
type FunctionTypeID uint32

// maximumFunctionTypes is the limit on the number of function types in a registry.
const maximumFunctionTypes = 1 << 27

// TypeRegistry assigns a FunctionTypeID to each distinct signature. It is safe for concurrent use, so multiple
// module instances can share one.
type TypeRegistry struct {
	mux   sync.RWMutex
	ids   map[string]FunctionTypeID
	types []*FunctionType
}

// NewTypeRegistry returns an empty TypeRegistry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{ids: map[string]FunctionTypeID{}}
}

// Register returns the ID of the signature, assigning the next one if it was never seen.
func (r *TypeRegistry) Register(ft *FunctionType) (FunctionTypeID, error) {
	key := ft.String()

	r.mux.Lock()
	defer r.mux.Unlock()

	id, ok := r.ids[key]
	if !ok {
		if len(r.types) >= maximumFunctionTypes {
			return 0, fmt.Errorf("too many function types in a registry")
		}
		id = FunctionTypeID(len(r.types))
		r.ids[key] = id
		r.types = append(r.types, ft)
	}
	return id, nil
}

// Type returns the signature registered with the given ID, or nil.
func (r *TypeRegistry) Type(id FunctionTypeID) *FunctionType {
	r.mux.RLock()
	defer r.mux.RUnlock()
	if int(id) >= len(r.types) {
		return nil
	}
	return r.types[id]
}

// Len returns the count of distinct signatures.
func (r *TypeRegistry) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.types)
}
