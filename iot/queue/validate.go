package queue

import (
	"embed"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/queuekiosk/core/schema"
)

// Schema IDs of the embedded message schemas
const (
	SnapshotSchemaID    = "https://queuekiosk.relabs.tech/schemas/snapshot.json"
	DeviceEventSchemaID = "https://queuekiosk.relabs.tech/schemas/device_event.json"
)

//go:embed schemas
var schemaFS embed.FS

var (
	validatorOnce sync.Once
	validator     *schema.Validator
)

// Validator returns the validator for the embedded message schemas. The schemas are
// compiled on first use; a broken embedded schema is a programming error and panics.
func Validator() *schema.Validator {
	validatorOnce.Do(func() {
		v, err := schema.NewValidatorFromFS(schemaFS, "schemas")
		if err != nil {
			panic(err)
		}
		validator = v
	})
	return validator
}

// ParseSnapshot validates and decodes a snapshot payload
func ParseSnapshot(data []byte) (*Snapshot, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid json (%d bytes)", len(data))
	}
	if err := Validator().Validate(SnapshotSchemaID, data); err != nil {
		return nil, err
	}
	s := &Snapshot{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseEvent validates and decodes a device event payload
func ParseEvent(data []byte) (*DeviceEvent, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid json (%d bytes)", len(data))
	}
	if err := Validator().Validate(DeviceEventSchemaID, data); err != nil {
		return nil, err
	}
	return DecodeEvent(data)
}
