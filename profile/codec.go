package profile

import "github.com/fxamacker/cbor/v2"

var canonicalEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()
