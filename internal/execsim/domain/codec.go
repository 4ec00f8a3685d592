package domain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
)

var ErrNotObject = errors.New("payload is not a JSON object")

// DecodeRaw 解出顶层对象，字段校验交给 validator
func DecodeRaw(data []byte) (map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrNotObject
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode order intent: %w", err)
	}
	return m, nil
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func DecodeExecution(data []byte) (Execution, error) {
	var e Execution
	err := json.Unmarshal(data, &e)
	return e, err
}
