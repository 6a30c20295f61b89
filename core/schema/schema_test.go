package schema_test

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/queuekiosk/core/schema"
)

const (
	refToken = `{ "$id" : "http://queuekiosk.local/token.json",
		      "type" : "integer", "minimum" : 0 }`

	topLevelEntry = `
	{ "$id" : "http://queuekiosk.local/entry.json",
	  "type" : "object",
	  "required" : ["token", "status"],
	  "properties" : {
		"token" : { "$ref" : "http://queuekiosk.local/token.json" },
		"status" : { "type" : "string" }
	  }
	}`
	topLevelName = `
	{ "$id" : "http://queuekiosk.local/name.json",
	  "type" : "string", "maxLength" : 5
	}`

	entryID = "http://queuekiosk.local/entry.json"
	nameID  = "http://queuekiosk.local/name.json"
)

func TestValidate(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevelEntry, topLevelName}, []string{refToken})
	require.NoError(t, err)
	assert.Equal(t, []string{entryID, nameID}, v.IDs())

	assert.NoError(t, v.Validate(entryID, []byte(`{"token": 5, "status": "waiting"}`)))
	assert.NoError(t, v.Validate(nameID, []byte(`"short"`)))

	for name, doc := range map[string]string{
		"negative token": `{"token": -1, "status": "waiting"}`,
		"missing status": `{"token": 5}`,
		"wrong type":     `[]`,
	} {
		err := v.Validate(entryID, []byte(doc))
		var verr *schema.ValidationError
		if assert.True(t, errors.As(err, &verr), name) {
			assert.Equal(t, entryID, verr.SchemaID)
			assert.NotEmpty(t, verr.Problems)
		}
	}
	assert.Error(t, v.Validate(nameID, []byte(`"a very long name"`)))

	err = v.Validate("http://queuekiosk.local/unknown.json", []byte(`{}`))
	var verr *schema.ValidationError
	assert.Error(t, err)
	assert.False(t, errors.As(err, &verr))
}

func TestNewValidator_Invalid(t *testing.T) {
	_, err := schema.NewValidator([]string{`{"type":"string"}`}, nil)
	assert.Error(t, err, "no $id")
	_, err = schema.NewValidator([]string{`{"$id":`}, nil)
	assert.Error(t, err, "unparsable")
	_, err = schema.NewValidator([]string{topLevelName, topLevelName}, nil)
	assert.Error(t, err, "duplicate")
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/entry.json":      {Data: []byte(topLevelEntry)},
		"schemas/readme.txt":      {Data: []byte("not a schema")},
		"schemas/refs/token.json": {Data: []byte(refToken)},
	}
	v, err := schema.NewValidatorFromFS(fsys, "schemas")
	require.NoError(t, err)
	assert.True(t, v.HasSchema(entryID))
	assert.False(t, v.HasSchema("http://queuekiosk.local/token.json"), "refs are no top level schemas")
	assert.NoError(t, v.Validate(entryID, []byte(`{"token": 1, "status": "done"}`)))

	v, err = schema.NewValidatorFromFS(fstest.MapFS{"schemas/name.json": {Data: []byte(topLevelName)}}, "schemas")
	require.NoError(t, err, "refs are optional")
	assert.Equal(t, []string{nameID}, v.IDs())

	_, err = schema.NewValidatorFromFS(fsys, "missing")
	assert.Error(t, err)
}
