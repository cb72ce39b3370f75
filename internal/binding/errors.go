package binding

import "fmt"

// SchemaError reports a write that does not conform to a container's declared
// schema. The document is left unmodified.
type SchemaError struct {
	Container string
	Path      string
	Reason    string
}

func (e *SchemaError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("binding: schema violation at %s%s: %s", e.Container, e.Path, e.Reason)
	}
	return fmt.Sprintf("binding: schema violation at %s: %s", e.Container, e.Reason)
}

func schemaErrorf(container, path, format string, args ...any) *SchemaError {
	return &SchemaError{Container: container, Path: path, Reason: fmt.Sprintf(format, args...)}
}
