package recovery

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"editstate/internal/conflict"
	"editstate/internal/state"
)

// FormatVersion is written into every checkpoint and backup.
const FormatVersion = "1.0.0"

//go:embed checkpoint.schema.json
var checkpointSchemaJSON string

const checkpointSchemaURL = "checkpoint-v1.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func checkpointSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(checkpointSchemaURL, bytes.NewReader([]byte(checkpointSchemaJSON))); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(checkpointSchemaURL)
	})
	return schema, schemaErr
}

// Checkpoint is the persisted form of every tracked document and of the
// conflicts still waiting for a decision.
type Checkpoint struct {
	Timestamp       time.Time              `json:"timestamp"`
	Version         string                 `json:"version"`
	DocumentStates  []*state.DocumentState `json:"documentStates"`
	SessionStates   []state.SessionState   `json:"sessionStates"`
	QueuedConflicts []QueuedConflict       `json:"queuedConflicts,omitempty"`
	Checksum        string                 `json:"checksum"`
}

// QueuedConflict is a conflict held back for a user decision. Changes of
// its operations that are not listed in StoredChangeIDs exist nowhere else.
type QueuedConflict struct {
	Conflict        *conflict.Conflict `json:"conflict"`
	StoredChangeIDs []string           `json:"storedChangeIds,omitempty"`
	QueuedAt        time.Time          `json:"queuedAt"`
}

// Encode serializes cp and seals it with the checksum of the payload
// encoded with an empty checksum field.
func Encode(cp *Checkpoint) ([]byte, error) {
	body := *cp
	if body.DocumentStates == nil {
		body.DocumentStates = []*state.DocumentState{}
	}
	if body.SessionStates == nil {
		body.SessionStates = []state.SessionState{}
	}
	if body.Version == "" {
		body.Version = FormatVersion
	}

	body.Checksum = ""
	unsealed, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("recovery: encode checkpoint: %w", err)
	}
	body.Checksum = state.Checksum(unsealed)

	sealed, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("recovery: encode checkpoint: %w", err)
	}
	cp.Checksum = body.Checksum
	return sealed, nil
}

// Decode validates data against the checkpoint schema and its checksum and
// returns the checkpoint. The checksum is recomputed over data itself with
// the sealed checksum value blanked, so any change to the stored bytes is
// reported as ErrChecksumMismatch.
func Decode(data []byte) (*Checkpoint, error) {
	sch, err := checkpointSchema()
	if err != nil {
		return nil, fmt.Errorf("recovery: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}

	// Encode writes the checksum as the last member of the object.
	sealed := []byte(`"checksum":"` + cp.Checksum + `"`)
	i := bytes.LastIndex(data, sealed)
	if i < 0 {
		return nil, fmt.Errorf("%w: checksum field not found", ErrChecksumMismatch)
	}
	unsealed := slices.Concat(data[:i], []byte(`"checksum":""`), data[i+len(sealed):])
	if got := state.Checksum(unsealed); got != cp.Checksum {
		return nil, fmt.Errorf("%w: stored %s, computed %s", ErrChecksumMismatch, cp.Checksum, got)
	}

	for _, st := range cp.DocumentStates {
		if st == nil {
			return nil, fmt.Errorf("%w: null document state", ErrCorruptPayload)
		}
		if err := st.Validate(); err != nil {
			return nil, errors.Join(ErrCorruptPayload, err)
		}
	}
	for _, q := range cp.QueuedConflicts {
		if q.Conflict == nil || len(q.Conflict.Operations) == 0 {
			return nil, fmt.Errorf("%w: queued conflict without operations", ErrCorruptPayload)
		}
	}
	return &cp, nil
}
