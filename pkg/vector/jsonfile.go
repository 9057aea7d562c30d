package vector

import (
	"encoding/json"
	"os"

	"github.com/themisdb/themisdb/internal/errs"
)

func writeJSONFile(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.IOError, "create "+path, err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		f.Close()
		return errs.Wrap(errs.IOError, "encode "+path, err)
	}
	return f.Close()
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.IndexCorrupt, "read "+path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.IndexCorrupt, "parse "+path, err)
	}
	return nil
}
