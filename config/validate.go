package config

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// schemaMu serializes use of schemaCtx, which is not safe for concurrent use.
var (
	schemaMu   sync.Mutex
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schema     cue.Value
	schemaErr  error
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("config schema: %w", err)
			return
		}
		schema = v.LookupPath(cue.ParsePath("#Config"))
		schemaErr = schema.Err()
	})
	return schemaCtx, schema, schemaErr
}

// Validate checks c against the embedded CUE schema, then checks the rules
// the schema cannot express.
func Validate(c *Config) error {
	ctx, def, err := loadSchema()
	if err != nil {
		return err
	}
	schemaMu.Lock()
	err = def.Unify(ctx.Encode(c)).Validate(cue.Concrete(true))
	schemaMu.Unlock()
	if err != nil {
		return fmt.Errorf("invalid configuration: %s", cueerrors.Details(err, nil))
	}

	codes := map[int]string{}
	for _, e := range []struct {
		name string
		code int
	}{
		{"compile_time_error", c.Exit.CompileTimeError},
		{"uncaught_exception", c.Exit.UncaughtException},
		{"breakpoint", c.Exit.BreakPoint},
	} {
		if other, dup := codes[e.code]; dup {
			return fmt.Errorf("invalid configuration: exit codes %s and %s are both %d", other, e.name, e.code)
		}
		codes[e.code] = e.name
	}

	names := map[string]bool{}
	for _, p := range c.Programs {
		if names[p.Name] {
			return fmt.Errorf("invalid configuration: program %q defined twice", p.Name)
		}
		names[p.Name] = true
	}
	if c.Heap.YoungSize > 0 && c.Heap.OldSize > 0 && c.Heap.YoungSize > c.Heap.OldSize {
		return fmt.Errorf("invalid configuration: young_size %d exceeds old_size %d", c.Heap.YoungSize, c.Heap.OldSize)
	}
	return nil
}
