package pipeline

// Op names a pipeline step's request.
type Op int

const (
	OpGetAll Op = iota + 1
	OpGet
	OpAdd
	OpPut
	OpDelete
	OpSearch
)

var opNames = map[Op]string{
	OpGetAll: "getAll",
	OpGet:    "get",
	OpAdd:    "add",
	OpPut:    "put",
	OpDelete: "delete",
	OpSearch: "search",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "unknown"
}

// ParseOp maps a step name such as "getAll" to its Op.
func ParseOp(s string) (Op, bool) {
	for op, name := range opNames {
		if name == s {
			return op, true
		}
	}
	return 0, false
}

// Descriptor addresses one request.
//
// Store is always required. Index is used by search. Key is the lookup key
// for get, delete and search, and the out-of-line key for add and put.
// Data is the record for add and put.
type Descriptor struct {
	Store string
	Index string
	Key   any
	Data  any
}

// Source yields the Descriptor for a step: either fixed when the step is
// queued, or derived from the previous step's result when it runs.
type Source struct {
	fixed  Descriptor
	derive func(prev any) Descriptor
}

// Fixed returns a Source that always yields d.
func Fixed(d Descriptor) Source {
	return Source{fixed: d}
}

// Derived returns a Source computed by fn at execution time. fn receives
// the previous step's result, which is nil for the first step.
func Derived(fn func(prev any) Descriptor) Source {
	return Source{derive: fn}
}

// IsDerived reports whether the descriptor is computed at execution time.
func (s Source) IsDerived() bool {
	return s.derive != nil
}

func (s Source) resolve(prev any) Descriptor {
	if s.derive != nil {
		return s.derive(prev)
	}
	return s.fixed
}
