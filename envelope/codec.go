package envelope

import (
	"github.com/fxamacker/cbor/v2"
)

// canonicalEncMode produces deterministic output (sorted map keys, no
// indefinite-length items) so that two envelopes built from identical
// inputs hash identically, matching the canonical-serialization hashing
// the teacher's forestrie-merklelog-style CBOR usage relies on.
var canonicalEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: invalid canonical cbor options: " + err.Error())
	}
	return mode
}()
