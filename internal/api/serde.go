package api

import (
	"io"

	"github.com/ugorji/go/codec"
)

// jsonHandle is configured once and shared; encoders and decoders are
// created per request since they are not safe for concurrent use.
var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.TypeInfos = codec.NewTypeInfos([]string{"json"})
	h.HTMLCharsAsIs = true
	return h
}()

func encodeJSON(w io.Writer, v any) error {
	return codec.NewEncoder(w, jsonHandle).Encode(v)
}

func decodeJSON(r io.Reader, v any) error {
	return codec.NewDecoder(r, jsonHandle).Decode(v)
}
