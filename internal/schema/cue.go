package schema

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// fileSchema constrains schema files before they are read.
const fileSchema = `
#File: {
	version?: int & >0
	store?: [string]: {
		keyPath?:       string
		autoIncrement?: bool
		indexes?: [...{
			name:    string
			keyPath: string
		}]
	}
}
`

// File is a parsed schema file.
//
//	version: 2
//	store: items: {
//		keyPath: "id"
//		indexes: [{name: "byCount", keyPath: "count"}]
//	}
type File struct {
	// Version is the database version the file describes (default 1).
	Version uint64

	// Stores are the declared stores in file order.
	Stores []StoreDef
}

// StoreDef declares one store.
type StoreDef struct {
	Name string `validate:"required"`
	Options
}

// CompileError reports a problem in a schema file.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadCUE reads and compiles a schema file.
func LoadCUE(path string) (File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read schema file: %w", err)
	}
	return CompileCUE(src, path)
}

// CompileCUE compiles schema source. filename is only used in positions.
func CompileCUE(src []byte, filename string) (File, error) {
	ctx := cuecontext.New()

	def := ctx.CompileString(fileSchema).LookupPath(cue.ParsePath("#File"))
	if err := def.Err(); err != nil {
		return File{}, formatCUEError(err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return File{}, formatCUEError(err)
	}
	v = def.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return File{}, formatCUEError(err)
	}

	f := File{Version: 1}
	if versionVal := v.LookupPath(cue.ParsePath("version")); versionVal.Exists() {
		n, err := versionVal.Uint64()
		if err != nil {
			return File{}, formatCUEError(err)
		}
		f.Version = n
	}

	storesVal := v.LookupPath(cue.ParsePath("store"))
	if storesVal.Exists() {
		iter, err := storesVal.Fields()
		if err != nil {
			return File{}, formatCUEError(err)
		}
		for iter.Next() {
			sd, err := parseStore(iter.Label(), iter.Value())
			if err != nil {
				return File{}, err
			}
			f.Stores = append(f.Stores, sd)
		}
	}

	for _, s := range f.Stores {
		if err := validate.Struct(s); err != nil {
			return File{}, &CompileError{
				Field:   "store." + s.Name,
				Message: formatValidationError(err).Error(),
				Pos:     storesVal.LookupPath(cue.MakePath(cue.Str(s.Name))).Pos(),
			}
		}
	}
	return f, nil
}

func parseStore(name string, v cue.Value) (StoreDef, error) {
	def := StoreDef{Name: name}

	if kp := v.LookupPath(cue.ParsePath("keyPath")); kp.Exists() {
		s, err := kp.String()
		if err != nil {
			return StoreDef{}, formatCUEError(err)
		}
		def.KeyPath = s
	}
	if ai := v.LookupPath(cue.ParsePath("autoIncrement")); ai.Exists() {
		b, err := ai.Bool()
		if err != nil {
			return StoreDef{}, formatCUEError(err)
		}
		def.AutoIncrement = b
	}

	idxVal := v.LookupPath(cue.ParsePath("indexes"))
	if !idxVal.Exists() {
		return def, nil
	}
	list, err := idxVal.List()
	if err != nil {
		return StoreDef{}, formatCUEError(err)
	}
	for list.Next() {
		item := list.Value()
		idxName, err := item.LookupPath(cue.ParsePath("name")).String()
		if err != nil {
			return StoreDef{}, formatCUEError(err)
		}
		keyPath, err := item.LookupPath(cue.ParsePath("keyPath")).String()
		if err != nil {
			return StoreDef{}, formatCUEError(err)
		}
		def.Indexes = append(def.Indexes, IndexOptions{Name: idxName, KeyPath: keyPath})
	}
	return def, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

// Setup returns a setup callback that brings a database in line with the
// file. Stores that do not exist yet are defined with their indexes; stores
// that exist get any missing indexes. Nothing is ever deleted.
func (f File) Setup() SetupFunc {
	return func(up *Upgrade) error {
		for _, s := range f.Stores {
			if !up.HasStore(s.Name) {
				if err := DefineStore(up, s.Name, s.Options); err != nil {
					return err
				}
				continue
			}
			for _, idx := range s.Indexes {
				if up.HasIndex(s.Name, idx.Name) {
					continue
				}
				if err := DefineIndex(up, s.Name, idx); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// StoreNames lists the declared store names in file order.
func (f File) StoreNames() []string {
	names := make([]string, len(f.Stores))
	for i, s := range f.Stores {
		names[i] = s.Name
	}
	return names
}
