package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coinscribe/coinscribe/pkg/engine"
)

// decodeJSON unmarshals a payload with numbers preserved as json.Number so
// no precision is lost before values reach the report assembler.
func decodeJSON(payload engine.RawPayload, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding provider payload: %w", err)
	}
	return nil
}

// numOrNil converts a json.Number to float64, or nil when absent or
// unparseable. Absent metrics become empty report cells.
func numOrNil(n json.Number) interface{} {
	if n == "" {
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil
	}
	return f
}

// intOrNil converts a json.Number to int64, or nil when absent.
func intOrNil(n json.Number) interface{} {
	if n == "" {
		return nil
	}
	i, err := n.Int64()
	if err != nil {
		return nil
	}
	return i
}

// unixOrNil converts a unix-seconds json.Number to a UTC time, or nil.
func unixOrNil(n json.Number) interface{} {
	if n == "" {
		return nil
	}
	sec, err := n.Int64()
	if err != nil {
		return nil
	}
	return time.Unix(sec, 0).UTC()
}
