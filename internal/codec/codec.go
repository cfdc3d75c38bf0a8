// Package codec provides the canonical CBOR encoding shared by everything
// that is content-addressed. Commits and tree nodes must serialize to the
// exact same bytes on every device, otherwise identical logical records
// would receive different digests and deduplication would break.
package codec

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	once    sync.Once
	encMode cbor.EncMode
	decMode cbor.DecMode
	initErr error
)

func modes() (cbor.EncMode, cbor.DecMode, error) {
	once.Do(func() {
		encMode, initErr = cbor.CoreDetEncOptions().EncMode()
		if initErr != nil {
			return
		}
		decMode, initErr = cbor.DecOptions{
			DupMapKey:   cbor.DupMapKeyEnforcedAPF,
			IndefLength: cbor.IndefLengthForbidden,
		}.DecMode()
	})
	return encMode, decMode, initErr
}

// Marshal encodes v with core-deterministic CBOR encoding.
func Marshal(v any) ([]byte, error) {
	em, _, err := modes()
	if err != nil {
		return nil, fmt.Errorf("codec init: %w", err)
	}
	return em.Marshal(v)
}

// Unmarshal decodes canonical CBOR produced by Marshal.
func Unmarshal(data []byte, v any) error {
	_, dm, err := modes()
	if err != nil {
		return fmt.Errorf("codec init: %w", err)
	}
	return dm.Unmarshal(data, v)
}
