package envelope

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

func blake3Sum(data []byte) [32]byte {
	return blake3.Sum256(data)
}

func unmarshalCanonical(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
