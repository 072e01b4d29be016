package server

import (
	"github.com/maxpert/snowdrift/encoding"
	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype for msgpack messages
const CodecName = "msgpack"

func init() {
	grpcencoding.RegisterCodec(msgpackCodec{})
}

// msgpackCodec lets plain Go structs travel over gRPC without protobuf
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return encoding.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return encoding.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return CodecName
}
