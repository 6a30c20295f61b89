// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates JSON documents against a set of JSON schemas identified by $id.
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

const refsDir = "refs"

// ValidationError is returned for documents which do not match their schema
type ValidationError struct {
	SchemaID string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("document does not match %s: %s", e.SchemaID, strings.Join(e.Problems, "; "))
}

// Validator validates JSON documents. It is safe for concurrent use.
type Validator struct {
	compiled map[string]*gojsonschema.Schema
}

// NewValidatorFromFS loads the *.json files in dir as top level schemas and the *.json files
// in dir/refs, if present, as shared references.
func NewValidatorFromFS(fsys fs.FS, dir string) (*Validator, error) {
	schemas, err := readSchemas(fsys, dir)
	if err != nil {
		return nil, err
	}
	refs, err := readSchemas(fsys, path.Join(dir, refsDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return NewValidator(schemas, refs)
}

func readSchemas(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read schemas: %w", err)
	}
	var docs []string
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("cannot read schema %s: %w", entry.Name(), err)
		}
		docs = append(docs, string(data))
	}
	return docs, nil
}

// NewValidator compiles the top level schemas. A top level schema may only reference schemas
// in refs, not other top level schemas. Every top level schema needs an $id.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	v := &Validator{compiled: make(map[string]*gojsonschema.Schema, len(schemas))}
	for _, doc := range schemas {
		id, err := schemaID(doc)
		if err != nil {
			return nil, err
		}
		if _, ok := v.compiled[id]; ok {
			return nil, fmt.Errorf("duplicate schema %s", id)
		}
		compiled, err := compile(doc, refs)
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", id, err)
		}
		v.compiled[id] = compiled
	}
	return v, nil
}

func schemaID(doc string) (string, error) {
	var header struct {
		ID string `json:"$id"`
	}
	if err := json.Unmarshal([]byte(doc), &header); err != nil {
		return "", fmt.Errorf("cannot parse schema: %w", err)
	}
	if len(header.ID) == 0 {
		return "", errors.New("schema has no $id")
	}
	return header.ID, nil
}

// compile uses a fresh loader per schema, a loader only accepts each $id once
func compile(doc string, refs []string) (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewSchemaLoader()
	for _, ref := range refs {
		if err := loader.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
			return nil, fmt.Errorf("invalid reference: %w", err)
		}
	}
	return loader.Compile(gojsonschema.NewStringLoader(doc))
}

// IDs returns the $ids of the top level schemas, sorted
func (v *Validator) IDs() []string {
	ids := make([]string, 0, len(v.compiled))
	for id := range v.compiled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasSchema returns true if schemaID is a top level schema
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.compiled[schemaID]
	return ok
}

// Validate validates data against schemaID. A document which does not match returns a
// *ValidationError.
func (v *Validator) Validate(schemaID string, data []byte) error {
	compiled, ok := v.compiled[schemaID]
	if !ok {
		return fmt.Errorf("unknown schema %s", schemaID)
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("cannot validate against %s: %w", schemaID, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{SchemaID: schemaID}
	for _, e := range result.Errors() {
		verr.Problems = append(verr.Problems, e.String())
	}
	return verr
}
