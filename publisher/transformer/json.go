package transformer

import (
	"encoding/json"

	"github.com/maxpert/snowdrift/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return JSONTransformer{}
	})
}

// JSONTransformer encodes events as a flat JSON object
type JSONTransformer struct{}

func (JSONTransformer) Transform(event publisher.Event) ([]byte, error) {
	return json.Marshal(event)
}
