// Package proto installs the "proto" codec, the default content-subtype
// for messages encoded as protocol buffers. Importing this package for its
// side effect registers the codec:
//
//	import _ "github.com/chalvern/grpctransport/encoding/proto"
package proto

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/chalvern/grpctransport/encoding"
)

// Name is the content-subtype this codec is registered under.
const Name = "proto"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	vv, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto: failed to marshal, message is %T, want proto.Message", v)
	}
	return proto.Marshal(vv)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	vv, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto: failed to unmarshal, message is %T, want proto.Message", v)
	}
	return proto.Unmarshal(data, vv)
}

func (codec) Name() string { return Name }
