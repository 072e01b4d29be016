// Package transformer provides implementations of the publisher.Transformer interface
// for encoding episode events into sink payloads.
package transformer

import (
	"github.com/maxpert/snowdrift/encoding"
	"github.com/maxpert/snowdrift/publisher"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return MsgpackTransformer{}
	})
}

// MsgpackTransformer encodes events with the short msgpack field names
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event publisher.Event) ([]byte, error) {
	return encoding.Marshal(event)
}
