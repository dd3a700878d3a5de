package syncmsg

import (
	"github.com/fxamacker/cbor/v2"
)

// canonicalEncMode mirrors the envelope package's deterministic CBOR
// encoding so that SyncEnvelope hashing and signing are reproducible
// across nodes that build the same logical message.
var canonicalEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("syncmsg: invalid canonical cbor options: " + err.Error())
	}
	return mode
}()

func unmarshalCanonical(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
