package models

// Todo is one entry of the shared todo list.
type Todo struct {
	Index     int    `json:"index"`
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// TodoInput is the body of create and update requests.
type TodoInput struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// NotesRun is a span of the notes fragment with uniform formatting.
type NotesRun struct {
	Text  string         `json:"text"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Notes is the rich-text fragment shared next to the todos.
type Notes struct {
	Text string     `json:"text"`
	Runs []NotesRun `json:"runs"`
}

// NotesEdit is one edit of the notes fragment. Exactly one of Insert,
// Delete or Format applies.
type NotesEdit struct {
	Index  int            `json:"index"`
	Insert string         `json:"insert,omitempty"`
	Delete int            `json:"delete,omitempty"`
	Length int            `json:"length,omitempty"`
	Format map[string]any `json:"format,omitempty"`
}
