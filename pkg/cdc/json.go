package cdc

import "encoding/json"

func jsonMarshalCompact(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
