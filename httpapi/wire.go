package httpapi

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func msgpackMarshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}
