package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONStringArray is a custom type for JSON string-array columns
type JSONStringArray []string

// Scan implements sql.Scanner interface
func (j *JSONStringArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan JSONStringArray: %w", err)
	}
	result := make([]string, 0)
	if err := json.Unmarshal(bytes, &result); err != nil {
		return fmt.Errorf("failed to unmarshal JSONStringArray: %w", err)
	}
	*j = result
	return nil
}

// Value implements driver.Valuer interface
func (j JSONStringArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// JSONIntMap is a custom type for JSON columns holding string→int maps,
// used for the per-material progress column.
type JSONIntMap map[string]int

// Scan implements sql.Scanner interface
func (j *JSONIntMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan JSONIntMap: %w", err)
	}
	result := make(map[string]int)
	if err := json.Unmarshal(bytes, &result); err != nil {
		return fmt.Errorf("failed to unmarshal JSONIntMap: %w", err)
	}
	*j = result
	return nil
}

// Value implements driver.Valuer interface
func (j JSONIntMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func columnBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", value)
	}
}
