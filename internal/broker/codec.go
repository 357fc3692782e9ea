package broker

import "encoding/json"

// JSONCodec encodes/decodes any JSON-marshalable type. Used for Table
// values (model.Attack, model.HostGroup, model.Crawl, ...).
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// StringCodec encodes table keys that are already plain strings (e.g. an
// attack's IP address) as their raw UTF-8 bytes.
type StringCodec struct{}

func (StringCodec) Encode(s string) ([]byte, error) { return []byte(s), nil }

func (StringCodec) Decode(b []byte) (string, error) { return string(b), nil }
