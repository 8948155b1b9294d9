package schema

// Schema is an immutable, ordered description of tables and views. It is
// owned by the application and handed to the engine at open time; only
// Builder.Build produces one.
type Schema struct {
	Tables []Table
	Views  []View
}

// Table looks up a declared table by name.
func (s Schema) Table(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// View looks up a declared view by name.
func (s Schema) View(name string) (View, bool) {
	for _, v := range s.Views {
		if v.Name == name {
			return v, true
		}
	}
	return View{}, false
}
