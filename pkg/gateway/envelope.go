package gateway

import (
	"fmt"
	"strconv"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/learnsync/learnsync/pkg/constants"
)

// RawResponse is a gateway reply whose envelope is inspected lazily. Only
// the fields a caller asks for are parsed; the payload is decoded once into
// the caller's type.
type RawResponse struct {
	Status int
	Body   []byte

	decodedError bool
	err          *Error
}

// OK reports whether the envelope says ok:true. A missing flag counts as
// false.
func (res *RawResponse) OK() bool {
	ok, err := jsonparser.GetBoolean(res.Body, "ok")
	return err == nil && ok
}

// Err maps a non-2xx status, ok:false or an unparsable body onto *Error.
func (res *RawResponse) Err() *Error {
	if res.decodedError {
		return res.err
	}
	res.decodedError = true

	if _, dataType, _, err := jsonparser.Get(res.Body); err != nil || dataType != jsonparser.Object {
		res.err = &Error{
			Status:  res.Status,
			Code:    CodeBadResponse,
			Message: fmt.Sprintf("unparsable gateway body (%d bytes)", len(res.Body)),
			Err:     constants.ErrInvalidResponse,
		}
		if !is2xx(res.Status) {
			res.err.Code = CodeHTTP
		}
		return res.err
	}

	if is2xx(res.Status) && res.OK() {
		return nil
	}

	res.err = &Error{Status: res.Status, Code: CodeHTTP}
	if is2xx(res.Status) {
		res.err.Code = "remote_failed"
	}

	errorValue, dataType, _, _ := jsonparser.Get(res.Body, "error")
	switch dataType {
	case jsonparser.String:
		if msg, err := jsonparser.ParseString(errorValue); err == nil {
			res.err.Message = msg
		}
	case jsonparser.Object:
		if code, err := jsonparser.GetString(errorValue, "code"); err == nil && code != "" {
			res.err.Code = code
		}
		if msg, err := jsonparser.GetString(errorValue, "message"); err == nil {
			res.err.Message = msg
		}
	}
	if code, err := jsonparser.GetString(res.Body, "code"); err == nil && code != "" {
		res.err.Code = code
	}
	return res.err
}

// Payload returns the raw "data" member. dataType is jsonparser.NotExist or
// jsonparser.Null when there is nothing to decode.
func (res *RawResponse) Payload() ([]byte, jsonparser.ValueType) {
	value, dataType, _, err := jsonparser.Get(res.Body, "data")
	if err != nil {
		return nil, jsonparser.NotExist
	}
	return value, dataType
}

// Decode unmarshals "data" into dst. It reports false when data is absent
// or null.
func (res *RawResponse) Decode(dst any) (bool, error) {
	value, dataType := res.Payload()
	if dataType == jsonparser.NotExist || dataType == jsonparser.Null {
		return false, nil
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return false, &Error{Status: res.Status, Code: CodeBadResponse, Message: err.Error(), Err: err}
	}
	return true, nil
}

// Nonce reads the top-level nonce, falling back to data.nonce.
func (res *RawResponse) Nonce() string {
	if nonce, err := jsonparser.GetString(res.Body, "nonce"); err == nil {
		return nonce
	}
	if nonce, err := jsonparser.GetString(res.Body, "data", "nonce"); err == nil {
		return nonce
	}
	return ""
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}

// Row is one record as the gateway sends it, before normalization.
type Row map[string]any

// Dump is the full snapshot keyed by table name.
type Dump map[string][]Row

// decodeDump walks the data object table by table so that one malformed
// table does not cost the others.
func decodeDump(data []byte) (Dump, []string, error) {
	dump := Dump{}
	var skipped []string
	err := jsonparser.ObjectEach(data, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
		table := string(key)
		if dataType != jsonparser.Array {
			skipped = append(skipped, table)
			return nil
		}
		rows := []Row{}
		index := -1
		_, err := jsonparser.ArrayEach(value, func(item []byte, itemType jsonparser.ValueType, _ int, _ error) {
			index++
			if itemType != jsonparser.Object {
				skipped = append(skipped, table+"["+strconv.Itoa(index)+"]")
				return
			}
			var row Row
			if json.Unmarshal(item, &row) == nil {
				rows = append(rows, row)
			}
		})
		if err != nil {
			skipped = append(skipped, table)
			return nil
		}
		dump[table] = rows
		return nil
	})
	return dump, skipped, err
}
