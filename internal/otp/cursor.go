package otp

// Cursor remembers the newest matching message id seen so far.
// Once set it only changes by Advance, and only Reset clears it.
type Cursor struct {
	LastSeen string
	Set      bool
}

// NewCursor returns a cursor positioned at id, or an unset cursor if id
// is empty.
func NewCursor(id string) Cursor {
	if id == "" {
		return Cursor{}
	}
	return Cursor{LastSeen: id, Set: true}
}

// IsNew reports whether id is a message the cursor has not seen.
func (c Cursor) IsNew(id string) bool {
	if id == "" {
		return false
	}
	return !c.Set || id != c.LastSeen
}

// Advance moves the cursor to id. Empty ids are ignored.
func (c *Cursor) Advance(id string) {
	if id == "" {
		return
	}
	c.LastSeen = id
	c.Set = true
}

// Reset clears the cursor.
func (c *Cursor) Reset() {
	*c = Cursor{}
}
