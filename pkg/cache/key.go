package cache

import "strings"

// Key identifies one cached query result: the resource it reads and the
// parameters that distinguish it from other queries on the same resource.
type Key struct {
	Resource string
	Params   string
}

// NewKey builds a Key from a resource and ordered parameters.
func NewKey(resource string, params ...string) Key {
	return Key{Resource: resource, Params: strings.Join(params, "\x1f")}
}

func (k Key) String() string {
	if k.Params == "" {
		return k.Resource
	}
	return k.Resource + "[" + strings.ReplaceAll(k.Params, "\x1f", ",") + "]"
}
