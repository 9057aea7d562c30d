package content

import (
	"encoding/json"

	"github.com/themisdb/themisdb/internal/errs"
)

func marshalStored(sb storedBlob) ([]byte, error) {
	out, err := json.Marshal(sb)
	if err != nil {
		return nil, errs.Wrap(errs.BadEncoding, "marshal content blob envelope", err)
	}
	return out, nil
}

func unmarshalStored(raw []byte) (storedBlob, error) {
	var sb storedBlob
	if err := json.Unmarshal(raw, &sb); err != nil {
		return storedBlob{}, errs.Wrap(errs.BadEncoding, "unmarshal content blob envelope", err)
	}
	return sb, nil
}
