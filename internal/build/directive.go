package build

// DirectiveKind identifies one of the recognized build file directives.
type DirectiveKind int

const (
	DirectiveUmask DirectiveKind = iota
	DirectiveFrom
	DirectiveFilesystem
	DirectiveMaxSize
	DirectiveMinSize
	DirectiveRun
	DirectiveCopy
)

// Directive is one parsed instruction from a build description file. For RUN
// the single argument is the unparsed remainder of the line; for every other
// kind the arguments are the escape-aware tokens following the name.
type Directive struct {
	Kind DirectiveKind
	Name string
	Args []string
	Line int
}

// arity bounds the argument count per directive; max < 0 means unbounded.
type arity struct {
	kind DirectiveKind
	min  int
	max  int
	raw  bool // keep the remainder of the line as one argument
}

var directiveTable = map[string]arity{
	"UMASK":      {kind: DirectiveUmask, min: 1, max: 1},
	"FROM":       {kind: DirectiveFrom, min: 1, max: -1},
	"FILESYSTEM": {kind: DirectiveFilesystem, min: 1, max: 1},
	"MAX_SIZE":   {kind: DirectiveMaxSize, min: 1, max: 1},
	"MIN_SIZE":   {kind: DirectiveMinSize, min: 1, max: 1},
	"RUN":        {kind: DirectiveRun, min: 1, max: 1, raw: true},
	"COPY":       {kind: DirectiveCopy, min: 2, max: -1},
}
