// Package encoding is the single msgpack entry point for livesync. Socket
// frames and the publish log both go through it so every binary payload
// shares one set of encoder options.
//
// Struct fields are named by their json tags, which keeps the JSON and
// msgpack frame codecs on one wire shape. Decoding into interface{} yields
// Go strings and map[string]interface{}, so a row key read from a binary
// frame compares equal to the same key read from an HTTP snapshot.
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const structTag = "json"

type encoderEntry struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
}

var encoders = sync.Pool{
	New: func() any {
		e := &encoderEntry{}
		e.enc = msgpack.NewEncoder(&e.buf)
		e.enc.SetCustomStructTag(structTag)
		return e
	},
}

var decoders = sync.Pool{
	New: func() any {
		dec := msgpack.NewDecoder(nil)
		dec.SetCustomStructTag(structTag)
		dec.UseLooseInterfaceDecoding(true)
		return dec
	},
}

// Marshal encodes v with a pooled encoder. The result is owned by the caller.
func Marshal(v any) ([]byte, error) {
	e := encoders.Get().(*encoderEntry)
	defer encoders.Put(e)

	e.buf.Reset()
	if err := e.enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.Clone(e.buf.Bytes()), nil
}

// Unmarshal decodes data into v with a pooled decoder
func Unmarshal(data []byte, v any) error {
	dec := decoders.Get().(*msgpack.Decoder)
	defer decoders.Put(dec)

	dec.ResetReader(bytes.NewReader(data))
	return dec.Decode(v)
}
