// Package encoding provides centralized msgpack serialization for snowdrift.
// The gRPC codec and the msgpack event format both go through this package
// so ids and events are encoded the same way on every wire.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// Integers are written in their most compact msgpack form. A 64-bit id
// whose value fits in fewer bytes is still decoded back into a uint64 field.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings and
// integers widen to int64/uint64.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
