package main

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/maxpert/snowdrift/publisher"
	"github.com/maxpert/snowdrift/server"
)

func splitKinds(raw string) []string {
	if raw == "" {
		return nil
	}
	var kinds []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// executeWatch prints every streamed event to out as one JSON line
func executeWatch(ctx context.Context, address string, kinds []string, out io.Writer) error {
	client, err := server.NewClient(server.ClientConfig{Address: address})
	if err != nil {
		return err
	}
	defer client.Close()

	enc := json.NewEncoder(out)
	return client.Watch(ctx, kinds, func(e publisher.Event) error {
		return enc.Encode(e)
	})
}
