// Package schema validates raw persisted payloads against a CUE definition
// of the snapshot shape. It catches structurally-plausible JSON that the Go
// structs would happily unmarshal into nonsense (wrong enum values, negative
// caps, malformed timestamps).
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/kelpie-md/kelpie/internal/snapshot"
)

//go:embed snapshot.cue
var source string

var (
	once       sync.Once
	cueCtx     *cue.Context
	definition cue.Value
	compileErr error
)

func compiled() (cue.Value, error) {
	once.Do(func() {
		cueCtx = cuecontext.New()
		v := cueCtx.CompileString(source, cue.Filename("snapshot.cue"))
		if err := v.Err(); err != nil {
			compileErr = fmt.Errorf("compile snapshot schema: %w", err)
			return
		}
		definition = v.LookupPath(cue.ParsePath("#Snapshot"))
		if !definition.Exists() {
			compileErr = errors.New("snapshot schema: #Snapshot definition missing")
		}
	})
	return definition, compileErr
}

// Validate checks a raw persisted payload against the snapshot schema.
func Validate(payload []byte) error {
	def, err := compiled()
	if err != nil {
		return err
	}
	expr, err := cuejson.Extract("snapshot.json", payload)
	if err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	value := cueCtx.BuildExpr(expr)
	if err := value.Err(); err != nil {
		return fmt.Errorf("build payload value: %w", err)
	}
	unified := def.Unify(value)
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return fmt.Errorf("snapshot schema violation: %w", err)
	}
	return nil
}

// ValidateSnapshot serialises s canonically and validates the result.
func ValidateSnapshot(s *snapshot.Snapshot) error {
	payload, err := snapshot.Serialise(s)
	if err != nil {
		return fmt.Errorf("serialise snapshot: %w", err)
	}
	return Validate([]byte(payload))
}
